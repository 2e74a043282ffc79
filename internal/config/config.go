// Package config loads run configuration from defaults, an optional config
// file, MULTIREAD_* environment variables and explicit overrides, in that
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	multiread "github.com/ehrlich-b/go-multiread"
	"github.com/ehrlich-b/go-multiread/internal/cachectl"
	"github.com/ehrlich-b/go-multiread/internal/constants"
	"github.com/ehrlich-b/go-multiread/internal/logging"
	"github.com/ehrlich-b/go-multiread/internal/uring"
)

// EnvPrefix is prepended to every key for environment lookups
const EnvPrefix = "MULTIREAD"

// Configuration keys
const (
	KeyPath         = "path"
	KeySize         = "size"
	KeyChunkSize    = "chunk_size"
	KeyDepth        = "depth"
	KeyFlushBatch   = "flush_batch"
	KeyEngine       = "engine"
	KeyCacheMode    = "cache_mode"
	KeyDirect       = "direct"
	KeyShortReads   = "short_reads"
	KeyChecksum     = "checksum"
	KeyLogLevel     = "log_level"
	KeyLogFormat    = "log_format"
	KeyStatsdAddr   = "statsd_addr"
	KeyStatsdPrefix = "statsd_prefix"
)

// Config is the flat run configuration. Sizes are human-readable strings
// such as "10G" or "512K".
type Config struct {
	Path         string `mapstructure:"path"`
	Size         string `mapstructure:"size"`
	ChunkSize    string `mapstructure:"chunk_size"`
	Depth        uint32 `mapstructure:"depth"`
	FlushBatch   uint32 `mapstructure:"flush_batch"`
	Engine       string `mapstructure:"engine"`
	CacheMode    string `mapstructure:"cache_mode"`
	Direct       bool   `mapstructure:"direct"`
	ShortReads   string `mapstructure:"short_reads"`
	Checksum     bool   `mapstructure:"checksum"`
	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"`
	StatsdAddr   string `mapstructure:"statsd_addr"`
	StatsdPrefix string `mapstructure:"statsd_prefix"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyPath, constants.DefaultPath)
	v.SetDefault(KeySize, "10G")
	v.SetDefault(KeyChunkSize, "512K")
	v.SetDefault(KeyDepth, 0)
	v.SetDefault(KeyFlushBatch, constants.DefaultFlushBatch)
	v.SetDefault(KeyEngine, string(uring.EngineGiouring))
	v.SetDefault(KeyCacheMode, string(cachectl.ModeDrop))
	v.SetDefault(KeyDirect, false)
	v.SetDefault(KeyShortReads, "error")
	v.SetDefault(KeyChecksum, false)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyStatsdAddr, "")
	v.SetDefault(KeyStatsdPrefix, "multiread")
}

// Load builds a Config. file may be empty; overrides are applied last and
// typically carry the flags set on the command line.
func Load(file string, overrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	for k, val := range overrides {
		v.Set(k, val)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every enumerated and size field
func (c *Config) Validate() error {
	var errs []error
	if c.Path == "" {
		errs = append(errs, errors.New("path is empty"))
	}
	if _, err := ParseSize(c.Size); err != nil {
		errs = append(errs, fmt.Errorf("size: %w", err))
	}
	if chunk, err := ParseSize(c.ChunkSize); err != nil {
		errs = append(errs, fmt.Errorf("chunk_size: %w", err))
	} else if chunk == 0 {
		errs = append(errs, errors.New("chunk_size must be positive"))
	}
	if _, err := uring.ParseEngine(c.Engine); err != nil {
		errs = append(errs, err)
	}
	if _, err := cachectl.ParseMode(c.CacheMode); err != nil {
		errs = append(errs, err)
	}
	if _, err := multiread.ParseShortReadPolicy(c.ShortReads); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q (want text or json)", c.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Params converts the configuration into run parameters
func (c *Config) Params() (multiread.Params, error) {
	if err := c.Validate(); err != nil {
		return multiread.Params{}, err
	}
	size, _ := ParseSize(c.Size)
	chunk, _ := ParseSize(c.ChunkSize)
	engine, _ := uring.ParseEngine(c.Engine)
	mode, _ := cachectl.ParseMode(c.CacheMode)
	policy, _ := multiread.ParseShortReadPolicy(c.ShortReads)

	p := multiread.DefaultParams()
	p.Path = c.Path
	p.Size = size
	p.ChunkSize = chunk
	p.Depth = c.Depth
	p.FlushBatch = c.FlushBatch
	p.Engine = engine
	p.CacheMode = mode
	p.Direct = c.Direct
	p.ShortReads = policy
	p.Checksum = c.Checksum
	return p, nil
}

// LoggingConfig returns the logger configuration
func (c *Config) LoggingConfig() *logging.Config {
	lc := logging.DefaultConfig()
	if level, err := logging.ParseLevel(c.LogLevel); err == nil {
		lc.Level = level
	}
	lc.Format = c.LogFormat
	return lc
}

// ParseSize parses a byte count with an optional K, M, G or T suffix
// (binary multiples). A trailing "B" or "iB" is accepted.
func ParseSize(s string) (uint64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(strings.TrimSuffix(s, "B"), "I")

	var multiplier uint64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
		numStr = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1 << 40
		numStr = strings.TrimSuffix(s, "T")
	default:
		numStr = s
	}

	num, err := strconv.ParseUint(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if num > (1<<64-1)/multiplier {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return num * multiplier, nil
}

// FormatSize formats a byte count as a human-readable string
func FormatSize(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
