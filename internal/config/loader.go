package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const envPrefix = "CARDEA_"

// flagPaths maps flag names whose config key contains an underscore; the
// generic hyphen-to-dot rule cannot produce those.
var flagPaths = map[string]string{
	"observability-log-level":  "observability.log_level",
	"observability-log-format": "observability.log_format",
}

// Loader reads configuration with the precedence flags > environment >
// file.
type Loader struct {
	k *koanf.Koanf
}

// NewLoaderWithFlags loads the config file (if it exists), then CARDEA_*
// environment variables, then any changed command-line flags. Environment
// variables nest on double underscores so keys containing single
// underscores survive: CARDEA_OBSERVABILITY__LOG_LEVEL sets
// observability.log_level. Flag names map to config paths by replacing
// hyphens with dots: --server-port sets server.port.
func NewLoaderWithFlags(path string, flags *pflag.FlagSet) (*Loader, error) {
	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.TrimPrefix(key, envPrefix)
			key = strings.ReplaceAll(strings.ToLower(key), "__", ".")
			return key, value
		},
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	if flags != nil {
		err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			if path, ok := flagPaths[f.Name]; ok {
				return path, posflag.FlagVal(flags, f)
			}
			return strings.ReplaceAll(f.Name, "-", "."), posflag.FlagVal(flags, f)
		}), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to load flag config: %w", err)
		}
	}

	return &Loader{k: k}, nil
}

// Get unmarshals the merged configuration.
func (l *Loader) Get() (*Config, error) {
	var cfg Config
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// parseDuration parses a duration string, returning the fallback for an
// empty value.
func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	return d, nil
}
