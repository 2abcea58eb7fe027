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

// provides a custom error interface and exit codes to use on the morpheusx cli
package error

//
// Provided exit codes for the morpheusx cli

// To make it easy to generate them you have to respect the structure:
//
// comment that explains the error
// const NamedConstant = ERRORCODE

// Error reading the config
const ReadingRunConfig = 10

// Error scanning disks
const ScanDisks = 11

// Error reading or writing the partition table
const PartitionTable = 12

// Error formatting a partition
const FormatPartition = 13

// Error capturing or converting the boot image
const BootImage = 14

// Error writing the bootloader to the ESP
const InstallBootloader = 15

// Error downloading an ISO
const DownloadISO = 16

// Error reading chunked ISO storage
const ChunkedStorage = 17

// Error parsing the ISO9660 volume
const IsoVolume = 18

// Error parsing the kernel image
const KernelImage = 19

// Error building the boot handoff
const BootHandoff = 20

// Error initializing platform hardware state
const PlatformInit = 21

// Unknown error
const Unknown = 255
