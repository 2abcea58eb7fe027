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

package cmd

import (
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/morpheusx/morpheusx/pkg/config"
	morpherr "github.com/morpheusx/morpheusx/pkg/error"
	"github.com/morpheusx/morpheusx/pkg/types"
)

// setupConfig builds the runtime config honoring the persistent flags.
func setupConfig() (*types.Config, error) {
	logger := types.NewLogger()
	if viper.GetBool("debug") {
		logger.SetLevel(logrus.DebugLevel)
	}
	if viper.GetBool("quiet") {
		logger.SetOutput(io.Discard)
	}
	cfg := config.NewConfig(config.WithLogger(logger))
	if err := config.ReadConfigRun(viper.GetString("config-dir"), cfg); err != nil {
		return nil, morpherr.NewFromError(err, morpherr.ReadingRunConfig)
	}
	return cfg, nil
}
