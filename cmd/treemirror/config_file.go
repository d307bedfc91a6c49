package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the serve flags. Nil fields were not set in the file.
type fileConfig struct {
	Addr           *string  `toml:"addr" yaml:"addr"`
	Token          *string  `toml:"token" yaml:"token"`
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
	StaticDir      *string  `toml:"static_dir" yaml:"static_dir"`
	MaxWatches     *int     `toml:"max_watches" yaml:"max_watches"`
	Ignore         []string `toml:"ignore" yaml:"ignore"`
	ReportDenied   *bool    `toml:"report_denied" yaml:"report_denied"`
	MessageRate    *float64 `toml:"message_rate" yaml:"message_rate"`
	MessageBurst   *int     `toml:"message_burst" yaml:"message_burst"`
	LogLevel       *string  `toml:"log_level" yaml:"log_level"`
	LogFormat      *string  `toml:"log_format" yaml:"log_format"`
	Roots          []string `toml:"roots" yaml:"roots"`
}

func readConfigFile(path string) (fileConfig, error) {
	var cfg fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return fileConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, key := range undecoded {
				keys = append(keys, key.String())
			}
			sort.Strings(keys)
			return fileConfig{}, fmt.Errorf("read config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return fileConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
		defer file.Close()
		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return fileConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	default:
		return fileConfig{}, fmt.Errorf("read config %s: unsupported extension (want .toml, .yaml or .yml)", path)
	}
	return cfg, nil
}

// resolvedRoots returns the configured roots with relative entries taken
// relative to the config file.
func (cfg fileConfig) resolvedRoots(configPath string) []string {
	if len(cfg.Roots) == 0 {
		return nil
	}
	base := filepath.Dir(configPath)
	out := make([]string, 0, len(cfg.Roots))
	for _, root := range cfg.Roots {
		if root == "" {
			continue
		}
		if !filepath.IsAbs(root) {
			root = filepath.Join(base, root)
		}
		out = append(out, root)
	}
	return out
}
