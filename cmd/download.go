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
	"net"

	"github.com/spf13/cobra"

	"github.com/morpheusx/morpheusx/pkg/action"
	"github.com/morpheusx/morpheusx/pkg/config"
	"github.com/morpheusx/morpheusx/pkg/download"
)

// NewDownloadCmd downloads an ISO into chunked storage.
func NewDownloadCmd(root *cobra.Command) *cobra.Command {
	c := &cobra.Command{
		Use:   "download URL",
		Short: "Download a live ISO into chunked storage",
		Long: "Downloads an ISO over HTTP and slices it across FAT32 chunk " +
			"partitions on the target disk. Without --target the bytes are " +
			"only counted, which exercises the network path.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setupConfig()
			if err != nil {
				return err
			}
			spec, err := config.ReadDownloadSpec(cfg)
			if err != nil {
				return err
			}
			spec.URL = args[0]
			if target, _ := cmd.Flags().GetString("target"); target != "" {
				spec.Target = target
			}
			if name, _ := cmd.Flags().GetString("name"); name != "" {
				spec.IsoName = name
			}

			opts := []action.DownloadOption{downloadBackends(cmd)}
			dl := action.NewDownloadAction(cfg, spec, opts...)
			err = dl.Run()
			// The feedback ring is the post-mortem channel; surface it
			// on failure.
			if err != nil {
				for {
					entry, ok := dl.Ring().Pop()
					if !ok {
						break
					}
					cfg.Logger.Error(entry.Format())
				}
			}
			return err
		},
	}
	addDownloadFlags(c.Flags())
	root.AddCommand(c)
	return c
}

// downloadBackends picks production stage backends: the full DHCP path
// when an interface is named, otherwise the host's configured network.
func downloadBackends(cmd *cobra.Command) action.DownloadOption {
	iface, _ := cmd.Flags().GetString("iface")
	dnsFlag, _ := cmd.Flags().GetString("dns")
	if iface != "" {
		return action.WithBackends(
			&download.NetlinkLinkWaiter{Interface: iface},
			&download.NclientDhcp{Interface: iface},
			&download.MiekgResolver{},
			&download.TCPDialer{},
		)
	}
	return action.WithBackends(
		hostLink{},
		&hostDhcp{dns: net.ParseIP(dnsFlag)},
		&download.MiekgResolver{},
		&download.TCPDialer{},
	)
}

// hostLink assumes the host networking is already up.
type hostLink struct{}

func (hostLink) Immediate() bool { return true }
func (hostLink) LinkUp() bool    { return true }

// hostDhcp skips lease acquisition and only supplies the DNS server.
type hostDhcp struct {
	dns net.IP
}

func (d *hostDhcp) Start() error { return nil }

func (d *hostDhcp) Poll() (*download.NetConfig, bool, error) {
	return &download.NetConfig{DNS: []net.IP{d.dns}}, true, nil
}
