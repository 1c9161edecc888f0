// Package pipeline drives artifacts through classification, unpacking and
// config decoding, and walks the dump tree of an analysis run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"capextract/internal/classify"
	"capextract/internal/decoder"
	"capextract/internal/filetype"
	"capextract/internal/metadata"
	"capextract/internal/record"
	"capextract/internal/signature"
	"capextract/internal/unpack"
)

// ErrSampleMissing aborts a run whose submitted file is gone.
var ErrSampleMissing = errors.New("sample file doesn't exist")

// CategoryFile marks a task analysing a submitted file rather than a URL.
const CategoryFile = "file"

type Task struct {
	Category   string
	SamplePath string
}

type Options struct {
	BufferSize    int
	SidecarSuffix string
	DumpDir       string
	MaxDepth      int
}

type Processor struct {
	opts       Options
	identifier filetype.Identifier
	matcher    signature.Matcher
	engine     *unpack.Engine
	dispatcher *decoder.Dispatcher
	log        zerolog.Logger
}

func New(
	opts Options,
	identifier filetype.Identifier,
	matcher signature.Matcher,
	engine *unpack.Engine,
	dispatcher *decoder.Dispatcher,
	log zerolog.Logger,
) *Processor {
	if opts.SidecarSuffix == "" {
		opts.SidecarSuffix = metadata.DefaultSuffix
	}
	return &Processor{
		opts:       opts,
		identifier: identifier,
		matcher:    matcher,
		engine:     engine,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "pipeline").Logger(),
	}
}

// runState tracks files placed by the unpack engine so the dump walk does
// not process them a second time.
type runState struct {
	unpacked map[string]struct{}
}

func newRunState() *runState {
	return &runState{unpacked: make(map[string]struct{})}
}

func (s *runState) markUnpacked(path string) {
	s.unpacked[absPath(path)] = struct{}{}
}

func (s *runState) wasUnpacked(path string) bool {
	_, ok := s.unpacked[absPath(path)]
	return ok
}

// absPath keys paths so relative and absolute spellings of one file agree.
func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// Process handles one artifact and everything unpacked from it. Records come
// back children first, then the artifact itself when it is retained.
func (p *Processor) Process(ctx context.Context, path string, retain bool) ([]record.Artifact, error) {
	return p.process(ctx, newRunState(), path, retain, 0)
}

func (p *Processor) process(ctx context.Context, state *runState, path string, retain bool, depth int) ([]record.Artifact, error) {
	if metadata.IsSidecar(path, p.opts.SidecarSuffix) {
		return nil, nil
	}
	log := p.log.With().Str("path", path).Int("depth", depth).Logger()

	sc, err := metadata.Read(path, p.opts.SidecarSuffix)
	if err != nil {
		log.Warn().Err(err).Msg("ignoring unreadable sidecar")
	}

	data, err := readCapped(path, p.opts.BufferSize)
	if err != nil {
		return nil, err
	}

	a := record.Artifact{
		Path:     path,
		Name:     filepath.Base(path),
		Size:     data.size,
		MD5:      data.md5,
		SHA1:     data.sha1,
		SHA256:   data.sha256,
		Metadata: sc.Raw,
		Preview:  record.NewPreview(data.content, p.opts.BufferSize, data.truncated),
		Retain:   retain,
	}
	a.RawType = p.identifier.Identify(data.content)

	matches, err := p.matcher.Scan(data.content)
	if err != nil {
		log.Warn().Err(err).Msg("signature scan failed")
	}
	if matches == nil {
		matches = []record.Match{}
	}
	a.Matches = matches

	if _, ok := sc.TypeCode(); !ok && sc.Raw != "" {
		log.Debug().Str("metadata", sc.Raw).Msg("unparsable type code, using 0")
	}
	result := classify.Apply(&a, sc)
	if result.Decoder != "" {
		p.dispatcher.Dispatch(&a, result.Decoder, data.content)
	}

	// sRDI and Donut are packers and decoders both; the wrapper keeps the
	// loader config alongside its unpacked child.
	var children []record.Artifact
	for _, m := range a.Matches {
		if p.engine.Handles(m.Name) {
			kids := p.unpack(ctx, state, log, m.Name, data.content, depth)
			children = append(children, kids...)
		}
		if m.Name == result.Decoder {
			continue
		}
		p.dispatcher.Dispatch(&a, m.Name, data.content)
	}

	if a.Retain {
		return append(children, a), nil
	}
	return children, nil
}

// unpack strips one layer and recurses into the result. Failures are
// contained here and leave the parent untouched.
func (p *Processor) unpack(ctx context.Context, state *runState, log zerolog.Logger, name string, content []byte, depth int) []record.Artifact {
	if depth >= p.opts.MaxDepth {
		log.Warn().Str("packer", name).Int("max_depth", p.opts.MaxDepth).Msg("unpack depth limit reached")
		return nil
	}

	log.Info().Str("packer", name).Msg("attempting to unpack")
	dest, err := p.engine.Unpack(ctx, name, content)
	switch {
	case errors.Is(err, unpack.ErrStillPacked):
		log.Warn().Str("packer", name).Msg("failed to unpack, packer still present")
		return nil
	case err != nil:
		log.Warn().Err(err).Str("packer", name).Msg("failed to unpack")
		return nil
	}
	state.markUnpacked(dest)
	log.Info().Str("packer", name).Str("unpacked", dest).Msg("unpacked layer")

	kids, err := p.process(ctx, state, dest, true, depth+1)
	if err != nil {
		log.Warn().Err(err).Str("unpacked", dest).Msg("failed to process unpacked file")
		return nil
	}
	return kids
}

// Run processes the submitted file, when the task has one, and then every
// file under the dump directory.
func (p *Processor) Run(ctx context.Context, task Task) ([]record.Artifact, error) {
	state := newRunState()
	var out []record.Artifact

	if task.Category == CategoryFile {
		if _, err := os.Stat(task.SamplePath); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %q", ErrSampleMissing, task.SamplePath)
			}
			return nil, fmt.Errorf("unable to stat sample: %w", err)
		}
		records, err := p.process(ctx, state, task.SamplePath, false, 0)
		if err != nil {
			return nil, fmt.Errorf("unable to process sample: %w", err)
		}
		out = append(out, records...)
	}

	for _, path := range p.dumpFiles() {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if state.wasUnpacked(path) {
			continue
		}
		records, err := p.process(ctx, state, path, true, 0)
		if err != nil {
			p.log.Warn().Err(err).Str("path", path).Msg("skipping dump file")
			continue
		}
		out = append(out, records...)
	}
	return out, nil
}

// dumpFiles lists regular files under the dump directory depth first. The
// listing is taken before processing so files placed by unpacking are not
// picked up mid walk.
func (p *Processor) dumpFiles() []string {
	var paths []string
	err := filepath.WalkDir(p.opts.DumpDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path != p.opts.DumpDir {
				p.log.Warn().Err(err).Str("path", path).Msg("unable to walk")
			}
			return nil
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		p.log.Warn().Err(err).Str("dir", p.opts.DumpDir).Msg("dump walk aborted")
	}
	return paths
}
