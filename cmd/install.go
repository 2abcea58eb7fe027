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
	"github.com/spf13/cobra"

	"github.com/morpheusx/morpheusx/pkg/action"
	"github.com/morpheusx/morpheusx/pkg/config"
)

// NewInstallCmd installs the bootloader image onto a disk's ESP.
func NewInstallCmd(root *cobra.Command) *cobra.Command {
	c := &cobra.Command{
		Use:   "install DEVICE",
		Short: "Install the bootloader to the EFI system partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setupConfig()
			if err != nil {
				return err
			}
			spec, err := config.ReadInstallSpec(cfg)
			if err != nil {
				return err
			}
			spec.Target = args[0]
			if path, _ := cmd.Flags().GetString("image"); path != "" {
				spec.ImagePath = path
			}
			if size, _ := cmd.Flags().GetUint("esp-size"); size != 0 {
				spec.EspSizeMiB = size
			}
			spec.WriteDebugCopy, _ = cmd.Flags().GetBool("debug-copy")
			return action.NewInstallAction(cfg, spec).Run()
		},
	}
	addInstallFlags(c.Flags())
	root.AddCommand(c)
	return c
}
