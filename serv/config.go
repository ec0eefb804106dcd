package serv

import (
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/nightscape/knowledge/core"
)

// Config is the service configuration, decoded from the viper config file.
type Config struct {
	Core core.Config `mapstructure:"core"`

	// HostPort is the listen address.
	HostPort string `mapstructure:"host_port"`

	// LogJSON switches the logger to JSON output.
	LogJSON bool `mapstructure:"log_json"`

	// Todoist enables the external integration when a token is configured.
	Todoist TodoistConfig `mapstructure:"todoist"`
}

// TodoistConfig configures the external system client.
type TodoistConfig struct {
	Token        string        `mapstructure:"token"`
	BaseURL      string        `mapstructure:"base_url"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
}

const defaultHostPort = "127.0.0.1:8472"

// ReadConfig loads the named config file (without extension) from path.
func ReadConfig(path, name string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(name)
	v.AddConfigPath(path)
	v.SetDefault("host_port", defaultHostPort)
	v.SetDefault("core.database_path", "knowledge.db")
	v.SetEnvPrefix("KNOWLEDGE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := conf.Core.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// watchConfig re-reads the config file on change and hands the fresh value
// to onChange. Development convenience; production deployments restart.
func watchConfig(path, name string, onChange func(*Config)) {
	v := viper.New()
	v.SetConfigName(name)
	v.AddConfigPath(path)
	if err := v.ReadInConfig(); err != nil {
		return
	}
	v.OnConfigChange(func(fsnotify.Event) {
		conf := &Config{}
		if err := v.Unmarshal(conf); err != nil {
			return
		}
		if err := conf.Core.Validate(); err != nil {
			return
		}
		onChange(conf)
	})
	v.WatchConfig()
}
