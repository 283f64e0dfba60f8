package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults installs every default value before a config file or
// environment variables are layered on top.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("subprotocol", "1.0.0")
	v.SetDefault("supports", ">=1.0.0")
	v.SetDefault("root", true)
	v.SetDefault("timeout", 20*time.Second)
	v.SetDefault("ping", 10*time.Second)
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 1337)
	v.SetDefault("control_mask", "127.0.0.1/8")
	v.SetDefault("env", "development")
}
