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
	"github.com/spf13/pflag"
)

// addInstallFlags registers the install command's flag set.
func addInstallFlags(flags *pflag.FlagSet) {
	flags.String("image", "", "Bootloader PE image to install")
	flags.Uint("esp-size", 0, "ESP size in MiB when one must be created")
	flags.Bool("debug-copy", false, "Also write a debug copy next to the boot path")
}

// addDownloadFlags registers the download command's flag set.
func addDownloadFlags(flags *pflag.FlagSet) {
	flags.String("target", "", "Disk receiving the chunk partitions")
	flags.String("name", "", "Stored ISO name (defaults to the URL base name)")
	flags.String("iface", "", "Drive DHCP and link state on this interface")
	flags.String("dns", "1.1.1.1", "Fallback DNS server without DHCP")
}

// addBootFlags registers the boot command's flag set.
func addBootFlags(flags *pflag.FlagSet) {
	flags.Int("index", 0, "Stored ISO index")
	flags.String("cmdline", "", "Kernel command line")
}
