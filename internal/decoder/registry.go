// Package decoder maps signature names to family config decoders.
package decoder

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/samber/mo"

	"capextract/internal/classify"
	"capextract/internal/common"
	"capextract/internal/donut"
	"capextract/internal/monoxgas"
	"capextract/internal/pe2shc"
	"capextract/internal/plugx"
	"capextract/internal/record"
)

// Signature names of the built in decoders.
const (
	PlugX  = classify.PlugXDecoder
	SRDI   = "sRDI"
	Donut  = "Donut"
	PE2SHC = "pe2shc"
)

type Registry struct {
	mu       sync.RWMutex
	decoders map[string]common.ConfigDecoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]common.ConfigDecoder)}
}

// Default returns a registry holding every built in decoder.
func Default() *Registry {
	r := NewRegistry()
	r.Register(PlugX, common.DecoderFunc(plugx.Decode))
	r.Register(SRDI, common.DecoderFunc(monoxgas.Decode))
	r.Register(Donut, common.DecoderFunc(donut.Decode))
	r.Register(PE2SHC, common.DecoderFunc(pe2shc.Decode))
	return r
}

// Register binds name to d, replacing any earlier binding.
func (r *Registry) Register(name string, d common.ConfigDecoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[name] = d
}

func (r *Registry) Resolve(name string) mo.Option[common.ConfigDecoder] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.decoders[name]; ok {
		return mo.Some(d)
	}
	return mo.None[common.ConfigDecoder]()
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	names := lo.Keys(r.decoders)
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

type Dispatcher struct {
	registry *Registry
	log      zerolog.Logger
}

func NewDispatcher(registry *Registry, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		log:      log.With().Str("component", "decoder").Logger(),
	}
}

// Dispatch runs the decoder registered under name against content and
// attaches its output to a. Unknown names are ignored. A failing decoder is
// logged and leaves a untouched. It reports whether a config was attached.
func (d *Dispatcher) Dispatch(a *record.Artifact, name string, content []byte) bool {
	dec, ok := d.registry.Resolve(name).Get()
	if !ok {
		return false
	}

	config, err := dec.Decode(content)
	if err != nil {
		d.log.Error().Err(err).Str("decoder", name).Str("path", a.Path).Msg("decoder failed")
		return false
	}
	if config == nil {
		d.log.Debug().Str("decoder", name).Str("path", a.Path).Msg("decoder returned no config")
		return false
	}

	a.Config = config
	a.DecoderName = name
	a.Retain = true
	d.log.Info().Str("decoder", name).Str("path", a.Path).Msg("config extracted")
	return true
}
