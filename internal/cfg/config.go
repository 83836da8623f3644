package cfg

import (
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully-resolved mount configuration, populated by
// BindFlags registering the flags and viper.Unmarshal decoding them
// (cobra.OnInitialize -> viper.Unmarshal(&MountConfig)).
type Config struct {
	PDEndpoints []string `mapstructure:"pd-endpoints"`

	Format FormatConfig `mapstructure:"format"`

	FileSystem FileSystemConfig `mapstructure:"file-system"`

	Logging LoggingConfig `mapstructure:"logging"`

	Metrics MetricsConfig `mapstructure:"metrics"`

	CacheBytes      int64 `mapstructure:"cache-bytes"`
	CacheEntries    int   `mapstructure:"cache-entries"`
	AdmissionLimit  int64 `mapstructure:"admission-limit"`
	TxnRetryAttempts int  `mapstructure:"txn-retry-attempts"`
}

// FormatConfig holds the values only meaningful at first-mount format
// time (spec.md §3 static meta). At mount, a block-size that differs from
// the stored one is fatal; hash algorithm and hashed-blocks are taken from
// the store, and inline-threshold is taken from this config, since static
// meta does not record it.
type FormatConfig struct {
	BlockSize       uint64        `mapstructure:"block-size"`
	InlineThreshold uint64        `mapstructure:"inline-threshold"`
	HashAlgorithm   HashAlgorithm `mapstructure:"hash-algorithm"`
	HashedBlocks    bool          `mapstructure:"hashed-blocks"`
	Force           bool          `mapstructure:"force"`
}

type FileSystemConfig struct {
	Uid        uint32 `mapstructure:"uid"`
	Gid        uint32 `mapstructure:"gid"`
	DirMode    Octal  `mapstructure:"dir-mode"`
	FileMode   Octal  `mapstructure:"file-mode"`
	Options    string `mapstructure:"options"`
	Foreground bool   `mapstructure:"foreground"`
}

type LoggingConfig struct {
	Format          string   `mapstructure:"format"`
	Severity        Severity `mapstructure:"severity"`
	FilePath        string   `mapstructure:"file-path"`
	LogRotate       LogRotateConfig `mapstructure:"log-rotate"`
}

// LogRotateConfig only makes sense paired with a rotation library
// (lumberjack, wired in internal/logger).
type LogRotateConfig struct {
	MaxFileSizeMb   int `mapstructure:"max-file-size-mb"`
	BackupFileCount int `mapstructure:"backup-file-count"`
}

type MetricsConfig struct {
	TracingEndpoint string `mapstructure:"tracing-endpoint"`
	PrometheusPort  int    `mapstructure:"prometheus-port"`
}

const (
	DefaultBlockSize       = 64 * 1024
	DefaultInlineThreshold = 4 * 1024
	maxSequentialBlockSize = 64 * 1024 * 1024
)

// Defaults matches the values spec.md §3/§6.3 calls out explicitly.
func Defaults() Config {
	return Config{
		Format: FormatConfig{
			BlockSize:       DefaultBlockSize,
			InlineThreshold: DefaultInlineThreshold,
			HashAlgorithm:   HashBlake3,
			HashedBlocks:    true,
		},
		FileSystem: FileSystemConfig{
			DirMode:    0755,
			FileMode:   0644,
			Foreground: true,
		},
		Logging: LoggingConfig{
			Format:   "text",
			Severity: "INFO",
			LogRotate: LogRotateConfig{
				MaxFileSizeMb:   512,
				BackupFileCount: 10,
			},
		},
		CacheBytes:       256 << 20,
		CacheEntries:     1 << 16,
		AdmissionLimit:   256,
		TxnRetryAttempts: 8,
	}
}

// BindFlags registers every CLI flag this mount understands and binds
// it into viper (flagSet.XxxP(...) then viper.BindPFlag(key, flag)).
func BindFlags(flagSet *pflag.FlagSet) error {
	d := Defaults()

	flagSet.StringP("pd-endpoints", "", "", "Comma-separated TiKV PD endpoints.")
	if err := viper.BindPFlag("pd-endpoints", flagSet.Lookup("pd-endpoints")); err != nil {
		return err
	}

	flagSet.StringP("block-size", "", strconv.FormatUint(d.Format.BlockSize, 10), "Block size in bytes (power of two, >=512). Set only at format time.")
	if err := viper.BindPFlag("format.block-size", flagSet.Lookup("block-size")); err != nil {
		return err
	}

	flagSet.StringP("hash-algorithm", "", string(d.Format.HashAlgorithm), "Content hash algorithm: blake3 or sha256.")
	if err := viper.BindPFlag("format.hash-algorithm", flagSet.Lookup("hash-algorithm")); err != nil {
		return err
	}

	flagSet.Uint64P("inline-threshold", "", d.Format.InlineThreshold, "Inline-data threshold in bytes.")
	if err := viper.BindPFlag("format.inline-threshold", flagSet.Lookup("inline-threshold")); err != nil {
		return err
	}

	flagSet.BoolP("hashed-blocks", "", d.Format.HashedBlocks, "Recorded in static meta at format time; blocks are content-addressed by hash either way.")
	if err := viper.BindPFlag("format.hashed-blocks", flagSet.Lookup("hashed-blocks")); err != nil {
		return err
	}

	flagSet.BoolP("force", "", false, "Reformat even if static meta already exists.")
	if err := viper.BindPFlag("format.force", flagSet.Lookup("force")); err != nil {
		return err
	}

	flagSet.Int64P("cache-bytes", "", d.CacheBytes, "Byte budget for the block content cache.")
	if err := viper.BindPFlag("cache-bytes", flagSet.Lookup("cache-bytes")); err != nil {
		return err
	}

	flagSet.StringP("tracing-endpoint", "", "", "Tracing collector endpoint; stored in the config only, no trace exporter is started.")
	if err := viper.BindPFlag("metrics.tracing-endpoint", flagSet.Lookup("tracing-endpoint")); err != nil {
		return err
	}

	flagSet.StringP("options", "o", "", "Comma-separated POSIX mount options.")
	if err := viper.BindPFlag("file-system.options", flagSet.Lookup("options")); err != nil {
		return err
	}

	flagSet.BoolP("foreground", "", d.FileSystem.Foreground, "Run in the foreground instead of forking into the background once mounted.")
	if err := viper.BindPFlag("file-system.foreground", flagSet.Lookup("foreground")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", string(d.Logging.Severity), "Logging severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	if err := viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Path to a log file; empty logs to stderr.")
	if err := viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	return nil
}

// ParsePDEndpoints splits the --pd-endpoints flag's comma-separated value,
// trimming whitespace and dropping empty entries.
func ParsePDEndpoints(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseMountOptions splits the -o flag's comma-separated value.
func ParseMountOptions(raw string) []string {
	return ParsePDEndpoints(raw)
}
