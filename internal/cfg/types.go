// Package cfg defines the typed configuration surface for a kvfs mount:
// CLI/flag binding (via viper+pflag), defaults, and validation. Octal
// and HashAlgorithm are custom-unmarshal types for octal file modes and
// the content hash algorithm name, respectively.
package cfg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kvfs-project/kvfs/internal/logger"
)

// Octal is the datatype for mount options such as dir-mode/file-mode that
// accept a base-8 value on the command line or in a YAML config file.
type Octal uint32

func (o *Octal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 8, 32)
	if err != nil {
		return fmt.Errorf("invalid octal value %q: %w", text, err)
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(o), 8)), nil
}

// HashAlgorithm selects the content-addressing hash the hash-block engine
// uses; recorded once in static meta at format time (spec.md §3).
type HashAlgorithm string

const (
	HashBlake3 HashAlgorithm = "blake3"
	HashSHA256 HashAlgorithm = "sha256"
)

func (h *HashAlgorithm) UnmarshalText(text []byte) error {
	v := HashAlgorithm(strings.ToLower(string(text)))
	switch v {
	case HashBlake3, HashSHA256:
		*h = v
		return nil
	default:
		return fmt.Errorf("invalid hash-algorithm %q: must be blake3 or sha256", text)
	}
}

// Severity is a re-export of logger.Severity so config files can set
// `logging.severity: DEBUG` without importing the logger package directly.
type Severity = logger.Severity

var severityRank = map[Severity]int{
	logger.Trace:   0,
	logger.Debug:   1,
	logger.Info:    2,
	logger.Warning: 3,
	logger.Error:   4,
	logger.Off:     5,
}

// ParseSeverity validates and normalizes a severity string from flags or
// config.
func ParseSeverity(s string) (Severity, error) {
	v := Severity(strings.ToUpper(s))
	if _, ok := severityRank[v]; !ok {
		return "", fmt.Errorf("invalid log severity %q: must be one of TRACE, DEBUG, INFO, WARNING, ERROR, OFF", s)
	}
	return v, nil
}
