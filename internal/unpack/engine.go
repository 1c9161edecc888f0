// Package unpack strips packer layers off artifacts and places the result
// where the pipeline can process it as a new artifact.
package unpack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"capextract/internal/classify"
	"capextract/internal/common"
	"capextract/internal/filetype"
	"capextract/internal/metadata"
	"capextract/internal/record"
	"capextract/internal/signature"
)

var (
	ErrUnknownPacker = errors.New("no unpacker registered")
	ErrCannotUnpack  = errors.New("unpacker refused content")
	ErrStillPacked   = errors.New("packer still matches after unpacking")
)

// Packer ties a signature name to the unpacker that strips it.
type Packer struct {
	Name    string
	Factory common.UnpackerFactory
	// TypeCode is written to the synthesized sidecar of the unpacked file.
	TypeCode classify.TypeCode
}

type Options struct {
	// OutputDir receives one fresh subdirectory per successful unpack.
	OutputDir     string
	TempDir       string
	SidecarSuffix string
}

type Engine struct {
	packers    map[string]Packer
	matcher    signature.Matcher
	identifier filetype.Identifier
	opts       Options
	log        zerolog.Logger
}

func NewEngine(matcher signature.Matcher, identifier filetype.Identifier, opts Options, log zerolog.Logger) *Engine {
	if opts.SidecarSuffix == "" {
		opts.SidecarSuffix = metadata.DefaultSuffix
	}
	return &Engine{
		packers:    make(map[string]Packer),
		matcher:    matcher,
		identifier: identifier,
		opts:       opts,
		log:        log.With().Str("component", "unpack").Logger(),
	}
}

func (e *Engine) Register(p Packer) {
	e.packers[p.Name] = p
}

// Handles reports whether name is a registered packer signature.
func (e *Engine) Handles(name string) bool {
	_, ok := e.packers[name]
	return ok
}

// Packer returns the registration for name.
func (e *Engine) Packer(name string) (Packer, bool) {
	p, ok := e.packers[name]
	return p, ok
}

// Unpack strips the layer named by the signature match name and returns
// the path of the placed result. The staging file is removed on every path
// that does not end in a successful placement.
func (e *Engine) Unpack(ctx context.Context, name string, content []byte) (string, error) {
	packer, ok := e.packers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPacker, name)
	}

	unpacker := packer.Factory.Build(content)
	if !unpacker.CanUnpack() {
		return "", fmt.Errorf("%w: %s", ErrCannotUnpack, unpacker.Name())
	}

	staged, err := os.CreateTemp(e.opts.TempDir, "capex-"+strings.ToLower(name)+"-*")
	if err != nil {
		return "", fmt.Errorf("unable to create staging file: %w", err)
	}
	stagedPath := staged.Name()
	staged.Close()

	placed := false
	defer func() {
		if !placed {
			os.Remove(stagedPath)
		}
	}()

	if err := unpacker.UnpackToFile(ctx, stagedPath); err != nil {
		return "", fmt.Errorf("%s: %w", unpacker.Name(), err)
	}

	unpacked, err := os.ReadFile(stagedPath)
	if err != nil {
		return "", fmt.Errorf("unable to read unpacked file: %w", err)
	}

	matches, err := e.matcher.Scan(unpacked)
	if err != nil {
		e.log.Warn().Err(err).Str("packer", name).Msg("signature scan of unpacked file failed")
	}
	if record.HasMatch(matches, name) {
		return "", fmt.Errorf("%w: %s", ErrStillPacked, name)
	}
	e.log.Debug().
		Str("packer", name).
		Str("type", e.identifier.Identify(unpacked)).
		Int("size", len(unpacked)).
		Msg("layer stripped")

	dest, err := e.place(stagedPath, packer.TypeCode)
	if err != nil {
		return "", err
	}
	placed = true
	return dest, nil
}

func (e *Engine) place(stagedPath string, code classify.TypeCode) (string, error) {
	if err := os.MkdirAll(e.opts.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("unable to create output dir: %w", err)
	}
	dir := filepath.Join(e.opts.OutputDir, uuid.NewString())
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", fmt.Errorf("unable to create unpack dir: %w", err)
	}

	dest := filepath.Join(dir, filepath.Base(stagedPath))
	if err := metadata.Write(dest, e.opts.SidecarSuffix, metadata.Line(strconv.Itoa(int(code)))); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	if err := moveFile(stagedPath, dest); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dest, nil
}

// moveFile renames src to dst, copying across filesystems when needed.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("unable to open staged file: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("unable to create placed file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("unable to copy staged file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
