package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const envPrefix = "CAPEX_"

func loadEnvString(key string, result *string) {
	s, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return
	}
	*result = s
}

func loadEnvInt(key string, result *int) {
	s, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return
	}
	*result = n
}

func loadEnvBool(key string, result *bool) {
	s, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return
	}
	*result = b
}

func loadEnvDuration(key string, result *time.Duration) {
	s, ok := os.LookupEnv(envPrefix + key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return
	}
	*result = d
}

type Config struct {
	// BufferSize caps how many bytes of an artifact are previewed.
	BufferSize    int           `json:"buffer_size"`
	SidecarSuffix string        `json:"sidecar_suffix"`
	DumpDir       string        `json:"dump_dir"`
	OutputDir     string        `json:"output_dir"`
	TempDir       string        `json:"temp_dir"`
	RulesFile     string        `json:"rules_file"`
	UPXPath       string        `json:"upx_path"`
	UnpackTimeout time.Duration `json:"unpack_timeout"`
	MaxDepth      int           `json:"max_depth"`
	LogLevel      string        `json:"log_level"`
	LogPretty     bool          `json:"log_pretty"`
}

func Default() Config {
	return Config{
		BufferSize:    10485760,
		SidecarSuffix: "_info.txt",
		DumpDir:       "CAPE",
		OutputDir:     "CAPE",
		TempDir:       "",
		RulesFile:     "",
		UPXPath:       "upx",
		UnpackTimeout: 60 * time.Second,
		MaxDepth:      8,
		LogLevel:      "info",
		LogPretty:     false,
	}
}

// LoadFromEnv overlays CAPEX_* variables. Unparsable values are ignored.
func (c *Config) LoadFromEnv() {
	loadEnvInt("BUFFER_SIZE", &c.BufferSize)
	loadEnvString("SIDECAR_SUFFIX", &c.SidecarSuffix)
	loadEnvString("DUMP_DIR", &c.DumpDir)
	loadEnvString("OUTPUT_DIR", &c.OutputDir)
	loadEnvString("TEMP_DIR", &c.TempDir)
	loadEnvString("RULES_FILE", &c.RulesFile)
	loadEnvString("UPX_PATH", &c.UPXPath)
	loadEnvDuration("UNPACK_TIMEOUT", &c.UnpackTimeout)
	loadEnvInt("MAX_DEPTH", &c.MaxDepth)
	loadEnvString("LOG_LEVEL", &c.LogLevel)
	loadEnvBool("LOG_PRETTY", &c.LogPretty)
}

func (c Config) Validate() error {
	var errs []error
	if c.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("buffer size must be positive, got %d", c.BufferSize))
	}
	if c.SidecarSuffix == "" {
		errs = append(errs, errors.New("sidecar suffix must not be empty"))
	}
	if c.UnpackTimeout <= 0 {
		errs = append(errs, fmt.Errorf("unpack timeout must be positive, got %s", c.UnpackTimeout))
	}
	if c.MaxDepth <= 0 {
		errs = append(errs, fmt.Errorf("max depth must be positive, got %d", c.MaxDepth))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}
