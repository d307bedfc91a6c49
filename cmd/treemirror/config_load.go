package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"treemirror/internal/api"
	"treemirror/internal/logging"

	"github.com/spf13/pflag"
)

const envPrefix = "TREEMIRROR_"

type Config struct {
	Addr           string
	AuthToken      string
	AllowedOrigins []string
	StaticDir      string
	MaxWatches     int
	Ignore         []string
	ReportDenied   bool
	MessageRate    float64
	MessageBurst   int
	LogLevel       logging.Level
	LogFormat      logging.Format
	ConfigFile     string
	Roots          []string
	Sources        map[string]configSource
}

type configSource string

const (
	sourceDefault configSource = "default"
	sourceFile    configSource = "file"
	sourceEnv     configSource = "env"
	sourceFlag    configSource = "flag"
)

type configDefaults struct {
	Addr         string
	MaxWatches   int
	MessageRate  float64
	MessageBurst int
	LogLevel     logging.Level
	LogFormat    logging.Format
}

func defaultConfigValues() configDefaults {
	return configDefaults{
		Addr:         ":8080",
		MaxWatches:   1024,
		MessageRate:  api.DefaultMessageRate,
		MessageBurst: api.DefaultMessageBurst,
		LogLevel:     logging.LevelInfo,
		LogFormat:    logging.FormatText,
	}
}

func registerServeFlags(flags *pflag.FlagSet) {
	defaults := defaultConfigValues()
	flags.String("addr", defaults.Addr, "listen address")
	flags.String("token", "", "auth token required from viewers")
	flags.StringSlice("allowed-origin", nil, "allowed websocket origin (repeatable)")
	flags.String("static-dir", "", "directory of viewer assets served at /")
	flags.Int("max-watches", defaults.MaxWatches, "maximum kernel watches")
	flags.StringSlice("ignore", nil, "glob of entry names to hide (repeatable)")
	flags.Bool("report-denied", false, "send a denied notice for rejected open requests")
	flags.Float64("message-rate", defaults.MessageRate, "inbound requests per second per viewer (0 disables)")
	flags.Int("message-burst", defaults.MessageBurst, "inbound request burst per viewer")
	flags.BoolP("verbose", "v", false, "log at debug level")
	flags.BoolP("quiet", "q", false, "log warnings and errors only")
	flags.String("log-format", string(defaults.LogFormat), "log output format: text or json")
	flags.String("config", "", "config file (.toml, .yaml, .yml)")
}

// loadConfig layers defaults, the config file, the environment and flags,
// in that order, recording where each value came from.
func loadConfig(flags *pflag.FlagSet, args []string) (Config, error) {
	defaults := defaultConfigValues()
	cfg := Config{Sources: make(map[string]configSource)}

	configPath := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG"))
	if flags.Changed("config") {
		configPath, _ = flags.GetString("config")
	}
	var file fileConfig
	if configPath != "" {
		loaded, err := readConfigFile(configPath)
		if err != nil {
			return Config{}, err
		}
		file = loaded
		cfg.ConfigFile = configPath
	}

	layers := configLayers{flags: flags, sources: cfg.Sources}
	var err error

	if cfg.Addr, err = layers.stringValue("addr", defaults.Addr, file.Addr); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return Config{}, fmt.Errorf("invalid addr: value cannot be empty")
	}
	if cfg.AuthToken, err = layers.stringValue("token", "", file.Token); err != nil {
		return Config{}, err
	}
	if cfg.AllowedOrigins, err = layers.listValue("allowed-origin", "ALLOWED_ORIGINS", file.AllowedOrigins); err != nil {
		return Config{}, err
	}
	if cfg.StaticDir, err = layers.stringValue("static-dir", "", file.StaticDir); err != nil {
		return Config{}, err
	}
	if cfg.MaxWatches, err = layers.intValue("max-watches", defaults.MaxWatches, file.MaxWatches); err != nil {
		return Config{}, err
	}
	if cfg.MaxWatches <= 0 {
		return Config{}, fmt.Errorf("invalid max-watches: must be > 0")
	}
	if cfg.Ignore, err = layers.listValue("ignore", "IGNORE", file.Ignore); err != nil {
		return Config{}, err
	}
	if cfg.ReportDenied, err = layers.boolValue("report-denied", false, file.ReportDenied); err != nil {
		return Config{}, err
	}
	if cfg.MessageRate, err = layers.floatValue("message-rate", defaults.MessageRate, file.MessageRate); err != nil {
		return Config{}, err
	}
	if cfg.MessageRate < 0 {
		return Config{}, fmt.Errorf("invalid message-rate: must be >= 0")
	}
	if cfg.MessageBurst, err = layers.intValue("message-burst", defaults.MessageBurst, file.MessageBurst); err != nil {
		return Config{}, err
	}
	if cfg.MessageBurst <= 0 {
		return Config{}, fmt.Errorf("invalid message-burst: must be > 0")
	}

	if cfg.LogLevel, err = resolveLogLevel(flags, defaults.LogLevel, file.LogLevel, cfg.Sources); err != nil {
		return Config{}, err
	}
	rawFormat, err := layers.stringValue("log-format", string(defaults.LogFormat), file.LogFormat)
	if err != nil {
		return Config{}, err
	}
	format, ok := logging.ParseFormat(rawFormat)
	if !ok {
		return Config{}, fmt.Errorf("invalid log-format %q: expected text or json", rawFormat)
	}
	cfg.LogFormat = format

	cfg.Roots = file.resolvedRoots(configPath)
	cfg.Sources["roots"] = sourceFile
	if len(args) > 0 {
		cfg.Roots = append([]string(nil), args...)
		cfg.Sources["roots"] = sourceFlag
	}
	if len(cfg.Roots) == 0 {
		return Config{}, fmt.Errorf("at least one root directory is required")
	}
	return cfg, nil
}

func resolveLogLevel(flags *pflag.FlagSet, fallback logging.Level, fileValue *string, sources map[string]configSource) (logging.Level, error) {
	level := fallback
	source := sourceDefault
	if fileValue != nil {
		parsed, ok := logging.ParseLevel(*fileValue)
		if !ok {
			return "", fmt.Errorf("invalid log_level %q in config file", *fileValue)
		}
		level, source = parsed, sourceFile
	}
	if raw := strings.TrimSpace(os.Getenv(envPrefix + "LOG_LEVEL")); raw != "" {
		parsed, ok := logging.ParseLevel(raw)
		if !ok {
			return "", fmt.Errorf("invalid %sLOG_LEVEL %q", envPrefix, raw)
		}
		level, source = parsed, sourceEnv
	}
	verbose, _ := flags.GetBool("verbose")
	quiet, _ := flags.GetBool("quiet")
	if verbose && quiet {
		return "", fmt.Errorf("--verbose and --quiet cannot be combined")
	}
	if verbose {
		level, source = logging.LevelDebug, sourceFlag
	}
	if quiet {
		level, source = logging.LevelWarning, sourceFlag
	}
	sources["log-level"] = source
	return level, nil
}

// configLayers resolves one key across file, environment and flags.
type configLayers struct {
	flags   *pflag.FlagSet
	sources map[string]configSource
}

func envName(key string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

func (layers configLayers) stringValue(key, fallback string, fileValue *string) (string, error) {
	value, source := fallback, sourceDefault
	if fileValue != nil {
		value, source = *fileValue, sourceFile
	}
	if raw := strings.TrimSpace(os.Getenv(envName(key))); raw != "" {
		value, source = raw, sourceEnv
	}
	if layers.flags.Changed(key) {
		raw, err := layers.flags.GetString(key)
		if err != nil {
			return "", err
		}
		value, source = strings.TrimSpace(raw), sourceFlag
	}
	layers.sources[key] = source
	return value, nil
}

func (layers configLayers) intValue(key string, fallback int, fileValue *int) (int, error) {
	value, source := fallback, sourceDefault
	if fileValue != nil {
		value, source = *fileValue, sourceFile
	}
	if raw := strings.TrimSpace(os.Getenv(envName(key))); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", envName(key), raw, err)
		}
		value, source = parsed, sourceEnv
	}
	if layers.flags.Changed(key) {
		parsed, err := layers.flags.GetInt(key)
		if err != nil {
			return 0, err
		}
		value, source = parsed, sourceFlag
	}
	layers.sources[key] = source
	return value, nil
}

func (layers configLayers) floatValue(key string, fallback float64, fileValue *float64) (float64, error) {
	value, source := fallback, sourceDefault
	if fileValue != nil {
		value, source = *fileValue, sourceFile
	}
	if raw := strings.TrimSpace(os.Getenv(envName(key))); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", envName(key), raw, err)
		}
		value, source = parsed, sourceEnv
	}
	if layers.flags.Changed(key) {
		parsed, err := layers.flags.GetFloat64(key)
		if err != nil {
			return 0, err
		}
		value, source = parsed, sourceFlag
	}
	layers.sources[key] = source
	return value, nil
}

func (layers configLayers) boolValue(key string, fallback bool, fileValue *bool) (bool, error) {
	value, source := fallback, sourceDefault
	if fileValue != nil {
		value, source = *fileValue, sourceFile
	}
	if raw := strings.TrimSpace(os.Getenv(envName(key))); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return false, fmt.Errorf("invalid %s %q: %w", envName(key), raw, err)
		}
		value, source = parsed, sourceEnv
	}
	if layers.flags.Changed(key) {
		parsed, err := layers.flags.GetBool(key)
		if err != nil {
			return false, err
		}
		value, source = parsed, sourceFlag
	}
	layers.sources[key] = source
	return value, nil
}

// listValue reads a comma separated environment variable named by envKey
// and a repeatable flag.
func (layers configLayers) listValue(key, envKey string, fileValue []string) ([]string, error) {
	var value []string
	source := sourceDefault
	if fileValue != nil {
		value, source = fileValue, sourceFile
	}
	if raw := strings.TrimSpace(os.Getenv(envPrefix + envKey)); raw != "" {
		value, source = splitList(raw), sourceEnv
	}
	if layers.flags.Changed(key) {
		parsed, err := layers.flags.GetStringSlice(key)
		if err != nil {
			return nil, err
		}
		value, source = parsed, sourceFlag
	}
	layers.sources[key] = source
	return value, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
