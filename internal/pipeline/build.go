package pipeline

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"capextract/internal/classify"
	"capextract/internal/config"
	"capextract/internal/decoder"
	"capextract/internal/donut"
	"capextract/internal/filetype"
	"capextract/internal/monoxgas"
	"capextract/internal/signature"
	"capextract/internal/unpack"
)

// Packer signature names.
const (
	UPX         = "UPX"
	JavaDropper = "JavaDropper"
)

// Packers returns the unpackers keyed by the signature that selects them.
func Packers(cfg config.Config) []unpack.Packer {
	return []unpack.Packer{
		{Name: UPX, Factory: &unpack.UPXFactory{Path: cfg.UPXPath, Timeout: cfg.UnpackTimeout}, TypeCode: classify.UPX},
		{Name: JavaDropper, Factory: &unpack.JavaDropperFactory{}, TypeCode: classify.ProcessDump},
		{Name: decoder.SRDI, Factory: &monoxgas.Factory{}, TypeCode: classify.ProcessDump},
		{Name: decoder.Donut, Factory: &donut.Factory{}, TypeCode: classify.ProcessDump},
	}
}

// Matcher loads cfg.RulesFile, or the embedded rules when it is unset.
// .yar and .yara files are compiled with libyara.
func Matcher(cfg config.Config) (signature.Matcher, error) {
	switch {
	case cfg.RulesFile == "":
		return signature.Default()
	case signature.IsYARA(cfg.RulesFile):
		return signature.LoadYARA(cfg.RulesFile)
	}
	return signature.Load(cfg.RulesFile)
}

// Engine builds an unpack engine with every packer registered.
func Engine(cfg config.Config, matcher signature.Matcher, log zerolog.Logger) *unpack.Engine {
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	engine := unpack.NewEngine(matcher, filetype.New(), unpack.Options{
		OutputDir:     cfg.OutputDir,
		TempDir:       tempDir,
		SidecarSuffix: cfg.SidecarSuffix,
	}, log)
	for _, p := range Packers(cfg) {
		engine.Register(p)
	}
	return engine
}

// FromConfig wires a Processor with the built in rules, packers and
// decoders.
func FromConfig(cfg config.Config, log zerolog.Logger) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	matcher, err := Matcher(cfg)
	if err != nil {
		return nil, err
	}

	opts := Options{
		BufferSize:    cfg.BufferSize,
		SidecarSuffix: cfg.SidecarSuffix,
		DumpDir:       cfg.DumpDir,
		MaxDepth:      cfg.MaxDepth,
	}
	return New(
		opts,
		filetype.New(),
		matcher,
		Engine(cfg, matcher, log),
		decoder.NewDispatcher(decoder.Default(), log),
		log,
	), nil
}
