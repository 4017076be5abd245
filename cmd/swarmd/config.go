package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/paw-chain/swarm/api"
	"github.com/paw-chain/swarm/swarm"
)

const (
	version            = "0.1.0"
	defaultMetricsPort = 36660
	envPrefix          = "SWARMD"
)

// daemonConfig is the fully resolved swarmd configuration.
type daemonConfig struct {
	API         *api.Config
	Swarm       swarm.Config
	DataDir     string
	MetricsPort int
	LogLevel    string
}

// defaultDataDir returns the default peer-record directory under the
// user's home.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".swarmd/data"
	}
	return filepath.Join(home, ".swarmd", "data")
}

// loadConfig resolves configuration with the usual precedence: flags
// over environment over config file over defaults.
func loadConfig(configFile string, flags *pflag.FlagSet) (*daemonConfig, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Host = v.GetString("api-host")
	apiCfg.Port = v.GetString("api-port")

	swarmCfg := swarm.DefaultConfig()
	if n := v.GetInt("max-piece-retries"); n >= 0 {
		swarmCfg.MaxPieceRetries = n
	}

	return &daemonConfig{
		API:         apiCfg,
		Swarm:       swarmCfg,
		DataDir:     v.GetString("data-dir"),
		MetricsPort: v.GetInt("metrics-port"),
		LogLevel:    v.GetString("log-level"),
	}, nil
}
