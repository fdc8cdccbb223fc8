package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/darmiel/cirrus/internal/config"
	"github.com/darmiel/cirrus/pkg/client"
)

// configKeys are the settings that can also be given as CIRRUS_* variables,
// e.g. CIRRUS_APP_API_KEY.
var configKeys = []string{
	"app.name", "app.app_id", "app.project_id", "app.api_key",
	"store.driver", "store.path",
	"broadcast.redis_url", "broadcast.prefix",
	"installations.endpoint",
	"functions.region", "functions.emulator", "functions.timeout",
	"emulator.addr", "emulator.signing_key", "emulator.api_key", "emulator.token_ttl",
	"watch.interval", "watch.metrics_addr",
}

func bindConfigEnv() {
	for _, key := range configKeys {
		_ = viper.BindEnv(key)
	}
}

type Factory struct {
	// AppConfigPath is a YAML file with the app settings. If empty, the
	// settings are taken from viper (config file, env and flags).
	AppConfigPath string

	cfg *config.Config
}

func NewFactory() *Factory {
	return &Factory{}
}

// Config returns the validated configuration.
func (f *Factory) Config() (*config.Config, error) {
	if f.cfg != nil {
		return f.cfg, nil
	}
	var (
		cfg *config.Config
		err error
	)
	if f.AppConfigPath != "" {
		cfg, err = config.Load(f.AppConfigPath)
	} else {
		cfg, err = config.FromMap(viper.AllSettings())
	}
	if err != nil {
		return nil, err
	}
	f.cfg = cfg
	return cfg, nil
}

// Client builds a client for the configured app. The caller closes it.
func (f *Factory) Client(ctx context.Context, opts ...client.Option) (*client.Client, error) {
	cfg, err := f.Config()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return client.New(ctx, cfg, opts...)
}

func (f *Factory) bindConfigFlag(flags *pflag.FlagSet) {
	flags.StringVarP(&f.AppConfigPath, "config", "c", "", "The cirrus app config file to use")

	flags.String("store", "", "Store driver (sqlite, bolt, memory)")
	_ = viper.BindPFlag("store.driver", flags.Lookup("store"))

	flags.String("store-path", "", "Store file location")
	_ = viper.BindPFlag("store.path", flags.Lookup("store-path"))

	flags.String("functions-emulator", "", "host:port of a functions emulator")
	_ = viper.BindPFlag("functions.emulator", flags.Lookup("functions-emulator"))

	flags.String("installations-endpoint", "", "Base URL of the installations API")
	_ = viper.BindPFlag("installations.endpoint", flags.Lookup("installations-endpoint"))
}
