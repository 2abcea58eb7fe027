/*
Copyright © 2022 - 2023 SUSE LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/sanity-io/litter"
	"github.com/spf13/viper"
	"github.com/twpayne/go-vfs"

	"github.com/morpheusx/morpheusx/pkg/http"
	"github.com/morpheusx/morpheusx/pkg/types"
)

const (
	configFileName = "morpheus"
	envPrefix      = "MORPHEUS"
)

type GenericOptions func(c *types.Config)

func WithFs(fs vfs.FS) GenericOptions {
	return func(c *types.Config) {
		c.Fs = fs
	}
}

func WithLogger(logger types.Logger) GenericOptions {
	return func(c *types.Config) {
		c.Logger = logger
	}
}

func WithClient(client types.HTTPClient) GenericOptions {
	return func(c *types.Config) {
		c.Client = client
	}
}

func WithClock(clock types.Clock) GenericOptions {
	return func(c *types.Config) {
		c.Clock = clock
	}
}

// NewConfig assembles the runtime config with sane defaults.
func NewConfig(opts ...GenericOptions) *types.Config {
	c := &types.Config{
		Logger: types.NewLogger(),
		Fs:     vfs.OSFS,
		Clock:  types.NewSystemClock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.Client == nil {
		c.Client = http.NewClient()
	}
	return c
}

// ReadConfigRun loads the config file and env overrides from configDir
// into the given config. An absent file is not an error; the defaults
// simply stand.
func ReadConfigRun(configDir string, cfg *types.Config) error {
	if configDir == "" {
		return nil
	}
	// A .env next to the config overrides process environment keys.
	envFile := filepath.Join(configDir, ".env")
	if _, err := cfg.Fs.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	viper.AddConfigPath(configDir)
	viper.SetConfigName(configFileName)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix(envPrefix)
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	if types.IsDebugLevel(cfg.Logger) {
		cfg.Logger.Debugf("loaded config: %s", litter.Sdump(viper.AllSettings()))
	}
	return nil
}

// ReadInstallSpec decodes the install section; flag overrides are
// applied by the caller.
func ReadInstallSpec(cfg *types.Config) (*types.InstallSpec, error) {
	spec := &types.InstallSpec{}
	if err := decodeSection("install", spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// ReadDownloadSpec decodes the download section; flag overrides are
// applied by the caller.
func ReadDownloadSpec(cfg *types.Config) (*types.DownloadSpec, error) {
	spec := &types.DownloadSpec{}
	if err := decodeSection("download", spec); err != nil {
		return nil, err
	}
	return spec, nil
}

// ReadBootSpec decodes the boot section; flag overrides are applied by
// the caller.
func ReadBootSpec(cfg *types.Config) (*types.BootSpec, error) {
	spec := &types.BootSpec{}
	if err := decodeSection("boot", spec); err != nil {
		return nil, err
	}
	return spec, nil
}

func decodeSection(key string, out interface{}) error {
	sub := viper.Sub(key)
	if sub == nil {
		return nil
	}
	return mapstructure.Decode(sub.AllSettings(), out)
}
