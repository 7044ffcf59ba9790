package blockdevice_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	bd "github.com/rancher-sandbox/hostagent/pkg/blockdevice"
	"github.com/rancher-sandbox/hostagent/pkg/types"
)

func TestBlockDeviceSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Block device graph builder test suite")
}

func diskWithEsp() types.Disk {
	return types.Disk{
		Id:        "disk1",
		Device:    "/dev/sda",
		PartTable: types.PartitionTableGPT,
		Partitions: []types.Partition{
			{Id: "esp", Type: types.PartitionTypeESP, Size: types.FixedSize(100 << 20)},
			{Id: "roota", Type: types.PartitionTypeRoot, Size: types.FixedSize(1 << 30)},
			{Id: "rootb", Type: types.PartitionTypeRoot, Size: types.FixedSize(1 << 30)},
		},
	}
}

var _ = Describe("Builder.Build", func() {
	It("builds a minimal valid graph", func() {
		cfg := types.HostConfiguration{Disks: []types.Disk{diskWithEsp()}}
		graph, err := bd.NewBuilder(cfg).Build()
		Expect(err).NotTo(HaveOccurred())
		Expect(graph.Nodes).To(HaveLen(4))
	})

	It("is idempotent", func() {
		cfg := types.HostConfiguration{Disks: []types.Disk{diskWithEsp()}}
		g1, err := bd.NewBuilder(cfg).Build()
		Expect(err).NotTo(HaveOccurred())
		g2, err := bd.NewBuilder(cfg).Build()
		Expect(err).NotTo(HaveOccurred())
		Expect(len(g1.Nodes)).To(Equal(len(g2.Nodes)))
	})

	It("rejects duplicate ids", func() {
		cfg := types.HostConfiguration{
			Disks: []types.Disk{
				{Id: "dup", Device: "/dev/sda", Partitions: []types.Partition{{Id: "dup", Type: types.PartitionTypeESP}}},
			},
		}
		_, err := bd.NewBuilder(cfg).Build()
		Expect(err).To(HaveOccurred())
	})

	It("rejects a RAID array with a single member", func() {
		cfg := types.HostConfiguration{
			Disks: []types.Disk{diskWithEsp()},
			RaidArrays: []types.RaidArray{
				{Id: "raid1", Name: "md0", Level: types.Raid1, Devices: []types.BlockDeviceId{"roota"}},
			},
		}
		_, err := bd.NewBuilder(cfg).Build()
		Expect(err).To(HaveOccurred())
	})

	It("rejects a RAID array referencing an unknown device", func() {
		cfg := types.HostConfiguration{
			Disks: []types.Disk{diskWithEsp()},
			RaidArrays: []types.RaidArray{
				{Id: "raid1", Name: "md0", Level: types.Raid1, Devices: []types.BlockDeviceId{"roota", "ghost"}},
			},
		}
		_, err := bd.NewBuilder(cfg).Build()
		Expect(err).To(HaveOccurred())
	})

	It("requires exactly one ESP partition", func() {
		cfg := types.HostConfiguration{
			Disks: []types.Disk{
				{Id: "disk1", Device: "/dev/sda", Partitions: []types.Partition{
					{Id: "roota", Type: types.PartitionTypeRoot, Size: types.FixedSize(1 << 30)},
				}},
			},
		}
		_, err := bd.NewBuilder(cfg).Build()
		Expect(err).To(HaveOccurred())
	})

	It("rejects an A/B pair whose sides have different sizes", func() {
		cfg := types.HostConfiguration{
			Disks: []types.Disk{
				{Id: "disk1", Device: "/dev/sda", Partitions: []types.Partition{
					{Id: "esp", Type: types.PartitionTypeESP, Size: types.FixedSize(100 << 20)},
					{Id: "roota", Type: types.PartitionTypeRoot, Size: types.FixedSize(1 << 30)},
					{Id: "rootb", Type: types.PartitionTypeRoot, Size: types.FixedSize(2 << 30)},
				}},
			},
			AbUpdate: []types.AbUpdatePair{{Id: "root-ab", VolumeAId: "roota", VolumeBId: "rootb"}},
		}
		_, err := bd.NewBuilder(cfg).Build()
		Expect(err).To(HaveOccurred())
	})

	It("accepts a matching A/B pair", func() {
		cfg := types.HostConfiguration{
			Disks:    []types.Disk{diskWithEsp()},
			AbUpdate: []types.AbUpdatePair{{Id: "root-ab", VolumeAId: "roota", VolumeBId: "rootb"}},
		}
		_, err := bd.NewBuilder(cfg).Build()
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects a verity device whose hash partition type does not match", func() {
		cfg := types.HostConfiguration{
			Disks: []types.Disk{
				{Id: "disk1", Device: "/dev/sda", Partitions: []types.Partition{
					{Id: "esp", Type: types.PartitionTypeESP, Size: types.FixedSize(100 << 20)},
					{Id: "roota", Type: types.PartitionTypeRoot, Size: types.FixedSize(1 << 30)},
					{Id: "rootahash", Type: types.PartitionTypeVar, Size: types.FixedSize(64 << 20)},
				}},
			},
			Verity: []types.VerityDevice{
				{Id: "verity1", Name: "root", DataDeviceId: "roota", HashDeviceId: "rootahash"},
			},
		}
		_, err := bd.NewBuilder(cfg).Build()
		Expect(err).To(HaveOccurred())
	})

	It("rejects duplicate mount points", func() {
		cfg := types.HostConfiguration{
			Disks: []types.Disk{diskWithEsp()},
			Filesystems: []types.Filesystem{
				{DeviceId: "roota", Source: types.FileSystemSource{Kind: types.SourceNew, NewFsType: "ext4"}, MountPoint: &types.MountPoint{Path: "/data"}},
				{DeviceId: "rootb", Source: types.FileSystemSource{Kind: types.SourceNew, NewFsType: "ext4"}, MountPoint: &types.MountPoint{Path: "/data"}},
			},
		}
		_, err := bd.NewBuilder(cfg).Build()
		Expect(err).To(HaveOccurred())
	})

	It("rejects a RAID array sharing a member with an unrelated referrer", func() {
		cfg := types.HostConfiguration{
			Disks: []types.Disk{diskWithEsp()},
			RaidArrays: []types.RaidArray{
				{Id: "raid1", Name: "md0", Level: types.Raid1, Devices: []types.BlockDeviceId{"roota", "rootb"}},
			},
			Encryption: &types.Encryption{
				Volumes: []types.EncryptedVolume{{Id: "enc1", DeviceName: "cryptroot", DeviceId: "roota"}},
			},
		}
		_, err := bd.NewBuilder(cfg).Build()
		Expect(err).To(HaveOccurred())
	})
})
