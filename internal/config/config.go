package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode   string `mapstructure:"mode"`
	Port   int    `mapstructure:"port"`
	Secret string `mapstructure:"secret"`

	ReadLimit         int64         `mapstructure:"read_limit"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	WriteWait         time.Duration `mapstructure:"write_wait"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ClientTimeout     time.Duration `mapstructure:"client_timeout"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`

	ConnectRateLimit   int           `mapstructure:"connect_rate_limit"`
	ConnectRateWindow  time.Duration `mapstructure:"connect_rate_window"`
	BackpressurePolicy string        `mapstructure:"backpressure_policy"`

	Database string `mapstructure:"database"`
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "change-me")
	v.SetDefault("read_limit", 4096)
	v.SetDefault("send_buffer", 32)
	v.SetDefault("write_wait", "5s")
	v.SetDefault("heartbeat_interval", "5s")
	v.SetDefault("client_timeout", "10s")
	v.SetDefault("connect_timeout", "3s")
	v.SetDefault("connect_rate_limit", 10)
	v.SetDefault("connect_rate_window", "1m")
	v.SetDefault("backpressure_policy", "drop")
	v.SetDefault("database", "salefeed.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
}

// Load reads config/config.<CONFIG_ENV>.yaml (or the file named by the
// "config" flag), then SALEFEED_* env vars, then explicitly set flags.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("salefeed")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileName := ""
	if flags != nil {
		if f := flags.Lookup("config"); f != nil {
			fileName = f.Value.String()
		}
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.Wrap(err, "bind flags")
		}
	}
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("config ready")
	return &cfg, nil
}

// Validate rejects settings under which the heartbeat could never succeed.
func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return errors.Newf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval)
	}
	if c.ClientTimeout < c.HeartbeatInterval {
		return errors.Newf("client_timeout %s is shorter than heartbeat_interval %s", c.ClientTimeout, c.HeartbeatInterval)
	}
	if c.SendBuffer <= 0 {
		return errors.Newf("send_buffer must be positive, got %d", c.SendBuffer)
	}
	switch c.BackpressurePolicy {
	case "drop", "evict":
	default:
		return errors.Newf("unknown backpressure_policy %q", c.BackpressurePolicy)
	}
	return nil
}
