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
	"strconv"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	morpherr "github.com/morpheusx/morpheusx/pkg/error"
	"github.com/morpheusx/morpheusx/pkg/installer"
)

// NewDisksCmd lists install-target candidates.
func NewDisksCmd(root *cobra.Command) *cobra.Command {
	c := &cobra.Command{
		Use:   "disks",
		Short: "List physical disks usable as targets",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setupConfig()
			if err != nil {
				return err
			}
			disks, err := installer.ScanDisks(cfg.Logger)
			if err != nil {
				return morpherr.NewFromError(err, morpherr.ScanDisks)
			}
			for _, d := range disks {
				removable := ""
				if d.Removable {
					removable = " (removable)"
				}
				cmd.Printf("%-12s %10s%s\n", d.Path,
					units.HumanSize(float64(d.SizeBytes)), removable)
			}
			return nil
		},
	}
	root.AddCommand(c)
	return c
}

func parseIndex(arg string) (int, error) {
	index, err := strconv.Atoi(arg)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("invalid ISO index %q", arg)
	}
	return index, nil
}
