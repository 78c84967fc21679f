package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X github.com/edgeflare/kroute/pkg/config.Version=..."
var Version = "dev"

// Config holds application-wide configuration
type Config struct {
	TopicPrefix string          `mapstructure:"topicPrefix"`
	Group       string          `mapstructure:"group"`
	ErrorPolicy string          `mapstructure:"errorPolicy"`
	Partitions  int32           `mapstructure:"partitions"`
	Transport   TransportConfig `mapstructure:"transport"`
	Dedup       DedupConfig     `mapstructure:"dedup"`
	Metrics     MetricsConfig   `mapstructure:"metrics"`
}

type TransportConfig struct {
	Connector string         `mapstructure:"connector"`
	Config    map[string]any `mapstructure:"config"`
}

type DedupConfig struct {
	Driver string        `mapstructure:"driver"`
	URL    string        `mapstructure:"url"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("topicPrefix", "kroute")
	v.SetDefault("group", "kroute")
	v.SetDefault("errorPolicy", "fail")
	v.SetDefault("partitions", 0)
	v.SetDefault("transport.connector", "memory")
	v.SetDefault("dedup.driver", "none")
	v.SetDefault("dedup.url", "")
	v.SetDefault("dedup.ttl", "24h")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9100")
}

// Load reads config from file or environment. Without cfgFile it looks for
// kroute.yaml in $HOME/.config and the working directory; a missing file is
// not an error. Environment variables use the KROUTE_ prefix, ie
// KROUTE_TRANSPORT_CONNECTOR=kafka.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("kroute")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	setDefaults(v)
	v.SetEnvPrefix("KROUTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if cfg.Transport.Config == nil {
		cfg.Transport.Config = map[string]any{}
	}

	return &cfg, nil
}
