/*
Copyright © 2022 SUSE LLC

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

// provides a custom error interface and exit codes for the host-servicing agent
package error

//
// Provided exit codes for the agent
//
// To keep these easy to audit, respect the structure:
//
// comment that explains the error
// const NamedConstant = ERRORCODE

// Error closing a file
const CloseFile = 10

// Error running a command
const CommandRun = 11

// Error copying data
const CopyData = 12

// Error copying a file
const CopyFile = 13

// Error creating a dir
const CreateDir = 15

// Error creating a file
const CreateFile = 16

// Error creating a temporary dir
const CreateTempDir = 17

// Error reading the host configuration
const ReadingHostConfiguration = 20

// Error building the block-device graph
const BlockDeviceGraphBuild = 21

// Error during device partitioning
const PartitioningDevice = 22

// Error assembling a RAID array
const RaidAssembly = 23

// Error formatting or opening a LUKS volume
const LuksOperation = 24

// Error opening or validating a verity device
const VerityOperation = 25

// Error placing a filesystem image
const FilesystemPlacement = 26

// Error mounting partitions
const MountPartitions = 27

// Error occurred when unmounting partitions
const UnmountPartitions = 28

// Error during file download
const DownloadFile = 29

// Error deactivating pre-existing devices
const DeactivatingDevices = 30

// Error reading or writing a boot entry
const BootEntryOperation = 31

// Error reading or writing a UEFI variable
const EfiVariableOperation = 32

// Error reading or rewriting the GRUB configuration
const GrubConfigOperation = 33

// Error realizing an install index
const InstallIndexAllocation = 34

// Error downloading or verifying a system/configuration extension
const ExtensionOperation = 35

// Error opening or writing the persistent datastore
const DatastoreOperation = 36

// Error reconstructing the rollback chain
const RollbackChainBuild = 37

// No rollback target of the requested kind is available
const NoRollbackAvailable = 38

// Error during the pre-servicing hook
const HookPreServicing = 40

// Error during the prepare phase
const HookPrepare = 41

// Error during the provision phase
const HookProvision = 42

// Error during the configure phase
const HookConfigure = 43

// Error during the clean-up phase
const HookCleanUp = 44

// Error occurred trying to reboot
const Reboot = 50

// Error occurred trying to shutdown
const PowerOff = 51

// Error invalid host configuration supplied
const InvalidConfiguration = 60

// Device or volume already provisioned
const AlreadyProvisioned = 61

// Command requires root privileges
const RequiresRoot = 62

// Unsupported execution environment (missing EFI, unsupported container layout)
const UnsupportedEnvironment = 63

// Unknown error
const Unknown int = 255
