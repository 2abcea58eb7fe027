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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/morpheusx/morpheusx/pkg/action"
	"github.com/morpheusx/morpheusx/pkg/config"
)

// NewBootCmd inspects a stored ISO's boot material. The actual jump
// needs the firmware context, so from the hosted CLI this stops after
// extracting and validating the kernel.
func NewBootCmd(root *cobra.Command) *cobra.Command {
	c := &cobra.Command{
		Use:   "boot DEVICE",
		Short: "Validate the boot material of a stored ISO",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setupConfig()
			if err != nil {
				return err
			}
			spec, err := config.ReadBootSpec(cfg)
			if err != nil {
				return err
			}
			spec.Target = args[0]
			if index, _ := cmd.Flags().GetInt("index"); index >= 0 {
				spec.IsoIndex = index
			}
			if cmdline, _ := cmd.Flags().GetString("cmdline"); cmdline != "" {
				spec.Cmdline = cmdline
			}

			boot := action.NewBootAction(cfg, spec)
			img, initrd, err := boot.LoadKernel()
			if err != nil {
				return err
			}
			cmd.Printf("kernel: protocol %d.%d, %d payload bytes, relocatable=%v\n",
				img.Protocol>>8, img.Protocol&0xFF, len(img.Payload()), img.Relocatable)
			cmd.Printf("initrd: %d bytes\n", len(initrd))
			cmd.Printf("preferred load address: %#x (align %#x)\n",
				img.PrefAddress, img.KernelAlignment)
			if !img.Relocatable {
				fmt.Fprintln(cmd.OutOrStdout(),
					"warning: kernel is not relocatable, boot requires the preferred address")
			}
			return nil
		},
	}
	addBootFlags(c.Flags())
	root.AddCommand(c)
	return c
}
