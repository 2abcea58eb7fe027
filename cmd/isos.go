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
)

// NewIsosCmd groups the stored-ISO management commands.
func NewIsosCmd(root *cobra.Command) *cobra.Command {
	c := &cobra.Command{
		Use:   "isos",
		Short: "Manage ISOs stored in chunked storage",
	}

	list := &cobra.Command{
		Use:   "list DEVICE",
		Short: "List stored ISOs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setupConfig()
			if err != nil {
				return err
			}
			isos, err := action.NewListAction(cfg, args[0], nil).Run()
			if err != nil {
				return err
			}
			if len(isos) == 0 {
				cmd.Println("no ISOs stored")
				return nil
			}
			for _, iso := range isos {
				state := "complete"
				if !iso.Complete {
					state = "incomplete"
				}
				cmd.Printf("%3d  %-40s %10s  %d chunks  %3d%%  %s\n",
					iso.Index, iso.Name, iso.Size, iso.Chunks, iso.Progress, state)
			}
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove DEVICE INDEX",
		Short: "Remove a stored ISO and its chunk partitions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setupConfig()
			if err != nil {
				return err
			}
			index, err := parseIndex(args[1])
			if err != nil {
				return err
			}
			return action.NewRemoveAction(cfg, args[0], index, nil).Run()
		},
	}

	c.AddCommand(list, remove)
	root.AddCommand(c)
	return c
}
