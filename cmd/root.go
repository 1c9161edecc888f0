/*
Copyright © 2022 Nicholas McKinney
*/
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"capextract/internal/common"
	"capextract/internal/config"
	"capextract/internal/decoder"
	"capextract/internal/logging"
	"capextract/internal/pe2shc"
	"capextract/internal/pipeline"
	"capextract/internal/unpack"
)

var (
	cfg    = config.Default()
	logger = zerolog.Nop()
)

type namedFactory struct {
	name    string
	factory common.UnpackerFactory
}

// unpackerFactories lists every unpacker in detection order. pe2shc only
// identifies; its output is already a valid PE.
func unpackerFactories() []namedFactory {
	factories := lo.Map(pipeline.Packers(cfg), func(p unpack.Packer, _ int) namedFactory {
		return namedFactory{name: p.Name, factory: p.Factory}
	})
	return append(factories, namedFactory{name: decoder.PE2SHC, factory: &pe2shc.Factory{}})
}

// FindUnpacker returns the unpacker registered as name, or the first one
// that accepts content when name is empty.
func FindUnpacker(content []byte, name string) (common.Unpacker, error) {
	for _, f := range unpackerFactories() {
		if name != "" && f.name != name {
			continue
		}
		unpacker := f.factory.Build(content)
		if name != "" || unpacker.CanUnpack() {
			return unpacker, nil
		}
	}
	if name != "" {
		return nil, fmt.Errorf("unknown packer %q", name)
	}
	return nil, fmt.Errorf("no compatible unpacker found")
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "capextract",
	Short: "Classifies sandbox dump artifacts, unpacks them and extracts malware configs",
	Long: `Classifies the files dumped during a sandbox run using the monitor's
type codes and sidecar metadata, strips packer layers and decodes family
configurations. Supported layers include:

* UPX (https://upx.github.io)
* Java droppers
* monoxgas sRDI (https://github.com/monoxgas/sRDI)
* donut (https://github.com/TheWover/donut)
* pe2shc (https://github.com/hasherezade/pe_to_shellcode), identification only`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := applyEnv(cmd); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger = logging.New(cfg.LogLevel, cfg.LogPretty)
		return nil
	},
}

// applyEnv overlays CAPEX_* variables while letting explicit flags win.
func applyEnv(cmd *cobra.Command) error {
	changed := make(map[string]string)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})
	cfg.LoadFromEnv()
	for name, value := range changed {
		if err := cmd.Flags().Set(name, value); err != nil {
			return fmt.Errorf("invalid value for --%s: %w", name, err)
		}
	}
	return nil
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.IntVar(&cfg.BufferSize, "buffer", cfg.BufferSize, "Bytes of each artifact to preview and scan")
	flags.StringVar(&cfg.SidecarSuffix, "sidecar-suffix", cfg.SidecarSuffix, "Suffix of sidecar metadata files")
	flags.StringVar(&cfg.DumpDir, "dump-dir", cfg.DumpDir, "Directory of dumped artifacts")
	flags.StringVar(&cfg.OutputDir, "output-dir", cfg.OutputDir, "Directory unpacked artifacts are placed in")
	flags.StringVar(&cfg.TempDir, "temp-dir", cfg.TempDir, "Directory for unpack staging files")
	flags.StringVar(&cfg.RulesFile, "rules", cfg.RulesFile, "YAML signature rules (default: built in rules)")
	flags.StringVar(&cfg.UPXPath, "upx", cfg.UPXPath, "upx binary")
	flags.DurationVar(&cfg.UnpackTimeout, "unpack-timeout", cfg.UnpackTimeout, "Timeout of a single external unpack")
	flags.IntVar(&cfg.MaxDepth, "max-depth", cfg.MaxDepth, "Maximum nested unpack depth")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	flags.BoolVar(&cfg.LogPretty, "log-pretty", cfg.LogPretty, "Human readable logs")
}
