// Package storage realizes a validated block-device graph (C1's output)
// onto real hardware: partitioning disks, assembling RAID arrays,
// unlocking/creating LUKS volumes, setting up dm-verity, and placing
// filesystems.
//
// Grounded on the teacher's pkg/partitioner (parted-CLI invocation
// through a Runner) and pkg/elemental/elemental.go (the
// format-then-mount orchestration shape), generalized from "build one
// root filesystem image" to "realize an arbitrary validated device
// graph". GPT partitioning itself is done through
// github.com/diskfs/go-diskfs instead of shelling out to parted, since
// the graph already carries exact sizes and types and go-diskfs lets
// partitioning be driven directly from that data without printf-built
// CLI arguments; RAID, encryption, and verity have no comparable Go
// library in the examples and are realized the teacher's way, through
// Runner-invoked CLI tools (mdadm, cryptsetup, veritysetup, mkfs.*).
package storage

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"

	elementalError "github.com/rancher-sandbox/hostagent/pkg/error"
	"github.com/rancher-sandbox/hostagent/pkg/types"
)

const sectorSize = 512

// partitionTypeGUID maps a declared partition type to the GPT partition
// type GUID diskfs expects. Values are the well-known Discoverable
// Partitions Specification GUIDs.
var partitionTypeGUID = map[types.PartitionType]string{
	types.PartitionTypeESP:         "C12A7328-F81F-11D2-BA4B-00A0C93EC93B",
	types.PartitionTypeRoot:        "4F68BCE3-E8CD-4DB1-96E7-FBCAF984B709",
	types.PartitionTypeRootVerity:  "2C7357ED-EBD2-46D9-AEC1-23D437EC2BF5",
	types.PartitionTypeVar:         "4D21B016-B534-45C2-A9FB-5C16E091FD2D",
	types.PartitionTypeHome:        "933AC7E1-2EB4-4F13-B844-0E14E2AEF915",
	types.PartitionTypeSwap:        "0657FD6D-A4AB-43C4-84E5-0933C84B4F4F",
	types.PartitionTypeLinuxGeneric: "0FC63DAF-8483-4772-8E79-3D69D8477DE4",
}

// Realizer turns graph nodes into real block devices and filesystems.
type Realizer struct {
	runner types.Runner
	logger types.Logger
}

func NewRealizer(runner types.Runner, logger types.Logger) *Realizer {
	return &Realizer{runner: runner, logger: logger}
}

// PartitionDisk lays out disk's declared partitions with a fresh GPT
// table, wiping any pre-existing table. Returns the kernel device path of
// each partition by partition id.
func (r *Realizer) PartitionDisk(disk types.Disk) (map[types.BlockDeviceId]string, error) {
	r.logger.Infof("partitioning disk %s (%s)", disk.Id, disk.Device)

	d, err := diskfs.Open(disk.Device)
	if err != nil {
		return nil, elementalError.Wrap(err, elementalError.KindEnvironment, elementalError.PartitioningDevice,
			fmt.Sprintf("failed to open disk %q", disk.Device))
	}

	table := &gpt.Table{
		LogicalSectorSize:  sectorSize,
		PhysicalSectorSize: sectorSize,
	}

	diskSectors := diskSizeSectors(d)

	var startSector uint64 = 2048 // 1MiB alignment
	for i, part := range disk.Partitions {
		var sectors uint64
		if part.Size.Grow {
			sectors = diskSectors - startSector
			if i != len(disk.Partitions)-1 {
				return nil, elementalError.New(
					fmt.Sprintf("partition %q declares grow size but is not the last partition on disk %q", part.Id, disk.Id),
					elementalError.InvalidConfiguration)
			}
		} else {
			sectors = part.Size.Bytes / sectorSize
		}
		guid, known := partitionTypeGUID[part.Type]
		if !known {
			guid = partitionTypeGUID[types.PartitionTypeLinuxGeneric]
		}
		table.Partitions = append(table.Partitions, &gpt.Partition{
			Start: startSector,
			End:   startSector + sectors - 1,
			Type:  gpt.Type(guid),
			Name:  part.Id,
		})
		startSector += sectors
	}

	if err := d.Partition(table); err != nil {
		return nil, elementalError.Wrap(err, elementalError.KindEnvironment, elementalError.PartitioningDevice,
			fmt.Sprintf("failed to write partition table to %q", disk.Device))
	}

	if _, err := r.runner.Run("udevadm", "settle"); err != nil {
		r.logger.Warnf("udevadm settle failed: %v", err)
	}

	paths := map[types.BlockDeviceId]string{}
	for i, part := range disk.Partitions {
		paths[part.Id] = partitionDevicePath(disk.Device, i+1)
	}
	return paths, nil
}

// diskSizeSectors returns the opened disk's total capacity in sectors, used
// to size a trailing "grow" partition to the remainder of the disk.
func diskSizeSectors(d *diskfs.Disk) uint64 {
	return uint64(d.Size) / sectorSize
}

// partitionDevicePath derives a partition's kernel device node from its
// disk and 1-based partition number, handling the nvme/mmcblk "p"
// infix convention.
func partitionDevicePath(diskDevice string, partNum int) string {
	if strings.HasSuffix(diskDevice, "0") || strings.Contains(diskDevice, "nvme") || strings.Contains(diskDevice, "mmcblk") {
		return fmt.Sprintf("%sp%d", diskDevice, partNum)
	}
	return fmt.Sprintf("%s%d", diskDevice, partNum)
}

// AssembleRaid creates a RAID array from its member device paths with
// mdadm --create; it does not run mdadm --assemble on an existing array.
func (r *Realizer) AssembleRaid(array types.RaidArray, memberPaths []string) (string, error) {
	devPath := "/dev/md/" + array.Name
	args := []string{
		"--create", devPath,
		"--run",
		"--level", raidLevelArg(array.Level),
		"--raid-devices", fmt.Sprintf("%d", len(memberPaths)),
	}
	args = append(args, memberPaths...)
	if _, err := r.runner.Run("mdadm", args...); err != nil {
		return "", elementalError.Wrap(err, elementalError.KindEnvironment, elementalError.RaidAssembly,
			fmt.Sprintf("failed to assemble RAID array %q", array.Name))
	}
	return devPath, nil
}

func raidLevelArg(level types.RaidLevel) string {
	return strings.TrimPrefix(string(level), "raid")
}

// SetupEncryption formats and opens a LUKS2 volume over devicePath, keyed by
// key (see DeriveVolumeKey). The key is piped over stdin via --key-file=- so
// it never touches disk or the process argument list.
func (r *Realizer) SetupEncryption(vol types.EncryptedVolume, devicePath string, key []byte) (string, error) {
	formatCmd := r.runner.InitCmd("cryptsetup", "luksFormat", "--type", "luks2", "--batch-mode", "--key-file=-", devicePath)
	formatCmd.Stdin = bytes.NewReader(key)
	if _, err := r.runner.RunCmd(formatCmd); err != nil {
		return "", elementalError.Wrap(err, elementalError.KindEnvironment, elementalError.LuksOperation,
			fmt.Sprintf("failed to format LUKS volume on %q", devicePath))
	}

	openCmd := r.runner.InitCmd("cryptsetup", "luksOpen", "--key-file=-", devicePath, vol.DeviceName)
	openCmd.Stdin = bytes.NewReader(key)
	if _, err := r.runner.RunCmd(openCmd); err != nil {
		return "", elementalError.Wrap(err, elementalError.KindEnvironment, elementalError.LuksOperation,
			fmt.Sprintf("failed to open LUKS volume %q", vol.DeviceName))
	}
	return "/dev/mapper/" + vol.DeviceName, nil
}

// SetupVerity formats a dm-verity hash device for dataPath/hashPath and
// activates the mapped read-only device.
func (r *Realizer) SetupVerity(dev types.VerityDevice, dataPath, hashPath string) (string, error) {
	if _, err := r.runner.Run("veritysetup", "format", dataPath, hashPath); err != nil {
		return "", elementalError.Wrap(err, elementalError.KindEnvironment, elementalError.VerityOperation,
			fmt.Sprintf("failed to format verity hash device for %q", dev.Name))
	}
	if _, err := r.runner.Run("veritysetup", "open", dataPath, dev.Name, hashPath); err != nil {
		return "", elementalError.Wrap(err, elementalError.KindEnvironment, elementalError.VerityOperation,
			fmt.Sprintf("failed to activate verity device %q", dev.Name))
	}
	return "/dev/mapper/" + dev.Name, nil
}

// PlaceFilesystem creates a new filesystem of fsType on devicePath.
func (r *Realizer) PlaceFilesystem(devicePath, fsType, label string) error {
	args := []string{devicePath}
	if label != "" {
		switch fsType {
		case "vfat":
			args = append([]string{"-n", label}, args...)
		default:
			args = append([]string{"-L", label}, args...)
		}
	}
	if _, err := r.runner.Run("mkfs."+fsType, args...); err != nil {
		return elementalError.Wrap(err, elementalError.KindEnvironment, elementalError.FilesystemPlacement,
			fmt.Sprintf("failed to create %s filesystem on %q", fsType, devicePath))
	}
	return nil
}

// DeactivateDevices tears down mapper/RAID devices in dependents-first
// order before a disk can be safely repartitioned, the inverse of
// assembly. Unknown device kinds are skipped; callers pass the exact
// device paths to deactivate.
func (r *Realizer) DeactivateDevices(verityNames, luksNames, raidDevices []string) error {
	for _, name := range verityNames {
		if _, err := r.runner.Run("veritysetup", "close", name); err != nil {
			return elementalError.Wrap(err, elementalError.KindEnvironment, elementalError.DeactivatingDevices,
				fmt.Sprintf("failed to close verity device %q", name))
		}
	}
	for _, name := range luksNames {
		if _, err := r.runner.Run("cryptsetup", "luksClose", name); err != nil {
			return elementalError.Wrap(err, elementalError.KindEnvironment, elementalError.DeactivatingDevices,
				fmt.Sprintf("failed to close LUKS volume %q", name))
		}
	}
	for _, dev := range raidDevices {
		if _, err := r.runner.Run("mdadm", "--stop", dev); err != nil {
			return elementalError.Wrap(err, elementalError.KindEnvironment, elementalError.DeactivatingDevices,
				fmt.Sprintf("failed to stop RAID array %q", dev))
		}
	}
	return nil
}
