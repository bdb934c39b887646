// Package config implements the optional YAML config file that
// supplements CLI flags, grounded on the teacher's
// config.SalmonCannonConfig. DurationString is dropped: nothing in this
// tunnel's schema takes a duration from the config file. SizeString is
// kept for the bandwidth limit field.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"quictun/internal/remote"
)

// SizeString parses "10K", "10M", "1G" (uppercase suffix) or a bare
// integer byte count.
type SizeString int64

func (s *SizeString) UnmarshalYAML(value *yaml.Node) error {
	raw := value.Value
	if value.Tag == "!!int" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		*s = SizeString(v)
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("config: empty size string")
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(raw, "K"):
		multiplier = 1 << 10
		raw = strings.TrimSuffix(raw, "K")
	case strings.HasSuffix(raw, "M"):
		multiplier = 1 << 20
		raw = strings.TrimSuffix(raw, "M")
	case strings.HasSuffix(raw, "G"):
		multiplier = 1 << 30
		raw = strings.TrimSuffix(raw, "G")
	default:
		if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
			return fmt.Errorf("config: invalid size %q, must be a number or end with 'K','M','G'", value.Value)
		}
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return err
	}
	*s = SizeString(v * multiplier)
	return nil
}

// LogConfig holds the optional rotating log file settings. Only Filename
// is applied (as the gopkg.in/natefinch/lumberjack.v2 output file); the
// size, backup, age and compress fields are parsed but not used, and
// rotation runs with the fixed limits set in main's setupLogging.
type LogConfig struct {
	Filename   string `yaml:"filename,omitempty"`
	MaxSizeMB  int    `yaml:"maxSizeMB,omitempty"`
	MaxBackups int    `yaml:"maxBackups,omitempty"`
	MaxAgeDays int    `yaml:"maxAgeDays,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// File is the schema of the optional --config YAML file.
type File struct {
	Remotes      []string   `yaml:"remotes,omitempty"`
	Log          *LogConfig `yaml:"log,omitempty"`
	RateLimit    SizeString `yaml:"rateLimit,omitempty"`
	Interface    string     `yaml:"interface,omitempty"`
	AllowReverse bool       `yaml:"allowReverse,omitempty"`
}

// Load reads and parses a config file from path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}

// MergeRemotes parses the config file's remote strings and appends any
// that are not already present (by their CLI-grammar formatting) in
// cliRemotes, so a remote given on the command line always wins over a
// duplicate entry in the file.
func MergeRemotes(cliRemotes []remote.Request, fileRemoteStrings []string) ([]remote.Request, error) {
	fileRemotes, err := remote.ParseAll(fileRemoteStrings)
	if err != nil {
		return nil, fmt.Errorf("config: parse remotes: %w", err)
	}

	seen := make(map[string]bool, len(cliRemotes))
	for _, r := range cliRemotes {
		seen[remote.Format(r)] = true
	}

	merged := append([]remote.Request{}, cliRemotes...)
	for _, r := range fileRemotes {
		key := remote.Format(r)
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, r)
	}
	return merged, nil
}
