package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/logux/logux-server/errors"
)

// Load reads configuration from a logux.toml in the working directory or
// ~/.config/logux (if present) layered over built-in defaults, then LOGUX_-prefixed environment
// variables on top of everything.
func Load() (*Config, error) {
	return LoadWithViper(initViper())
}

// LoadWithViper unmarshals an already-configured viper instance, letting
// callers (tests, the CLI) build their own Viper and still get a typed
// Config out of it.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// LoadFromFile reads a single TOML file directly, bypassing viper's layered
// search path — used by the CLI's --config flag.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	SetDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config file %q", path)
	}
	return LoadWithViper(v)
}

func initViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("LOGUX")
	v.AutomaticEnv()
	SetDefaults(v)

	v.SetConfigName("logux")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "logux"))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			// A malformed config file is worth surfacing even though
			// viper itself keeps running on defaults.
			os.Stderr.WriteString("logux-server: " + err.Error() + "\n")
		}
	}
	return v
}

// decodeTOMLFile is the BurntSushi/toml read path for one-off file reads
// that don't need viper's layering (e.g. validating a config file before
// handing it to Load).
func decodeTOMLFile(path string, dst interface{}) error {
	_, err := toml.DecodeFile(path, dst)
	if err != nil {
		return errors.Wrapf(err, "decode toml file %q", path)
	}
	return nil
}
