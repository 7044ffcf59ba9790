package types

// BlockDeviceId is the user-chosen identifier a Host Configuration document
// uses to cross-reference block devices (disks, partitions, RAID arrays,
// encrypted volumes, verity devices).
type BlockDeviceId = string

// PartitionTableKind enumerates supported partition-table formats. The core
// only ever produces "gpt"; the type exists
// so a document naming anything else is a straightforward validation error
// rather than a silently-ignored field.
type PartitionTableKind string

const (
	PartitionTableGPT PartitionTableKind = "gpt"
)

// PartitionSize is either a fixed byte count or the "grow" sentinel meaning
// "consume the remainder of the disk".
type PartitionSize struct {
	Grow  bool
	Bytes uint64
}

func FixedSize(bytes uint64) PartitionSize { return PartitionSize{Bytes: bytes} }
func GrowSize() PartitionSize              { return PartitionSize{Grow: true} }

// PartitionType names the GPT partition type a Partition is formatted as.
// These map 1:1 onto well-known GPT type GUIDs at realization time (C2); the
// graph builder (C1) only ever compares them symbolically.
type PartitionType string

const (
	PartitionTypeESP         PartitionType = "esp"
	PartitionTypeRoot        PartitionType = "root"
	PartitionTypeRootVerity  PartitionType = "root-verity"
	PartitionTypeVar         PartitionType = "var"
	PartitionTypeHome        PartitionType = "home"
	PartitionTypeSwap        PartitionType = "swap"
	PartitionTypeRaid        PartitionType = "raid"
	PartitionTypeLinuxGeneric PartitionType = "linux-generic"
)

// Partition is a single GPT partition declared on a Disk.
type Partition struct {
	Id   BlockDeviceId `yaml:"id" mapstructure:"id"`
	Type PartitionType `yaml:"type" mapstructure:"type"`
	Size PartitionSize `yaml:"size" mapstructure:"size"`
}

// Disk is a stable, pre-existing block device the agent partitions.
type Disk struct {
	Id         BlockDeviceId      `yaml:"id" mapstructure:"id"`
	Device     string             `yaml:"device" mapstructure:"device"`
	PartTable  PartitionTableKind `yaml:"partition-table-type" mapstructure:"partition-table-type"`
	Partitions []Partition        `yaml:"partitions" mapstructure:"partitions"`
}

// RaidLevel enumerates the md RAID levels the storage realizer supports.
type RaidLevel string

const (
	Raid0  RaidLevel = "raid0"
	Raid1  RaidLevel = "raid1"
	Raid5  RaidLevel = "raid5"
	Raid6  RaidLevel = "raid6"
	Raid10 RaidLevel = "raid10"
)

// RaidArray assembles an md array from an ordered list of member partitions;
// order matters for raid5/6/10's striping layout.
type RaidArray struct {
	Id          BlockDeviceId   `yaml:"id" mapstructure:"id"`
	Name        string          `yaml:"name" mapstructure:"name"`
	Level       RaidLevel       `yaml:"level" mapstructure:"level"`
	Devices     []BlockDeviceId `yaml:"devices" mapstructure:"devices"`
	SyncTimeout *int            `yaml:"sync-timeout,omitempty" mapstructure:"sync-timeout"`
}

// EncryptedVolume is a LUKS2 volume keyed from the recovery-key material;
// no TPM2 binding is performed.
type EncryptedVolume struct {
	Id         BlockDeviceId `yaml:"id" mapstructure:"id"`
	DeviceName string        `yaml:"device-name" mapstructure:"device-name"`
	DeviceId   BlockDeviceId `yaml:"device-id" mapstructure:"device-id"`
}

// Encryption is the document-wide encryption block: where to fetch the
// recovery key from, which volumes are encrypted, and a PCR list. Pcrs is
// parsed and stored but not used: volume keys are derived from the
// recovery key only, and nothing is sealed to a TPM2 policy.
type Encryption struct {
	RecoveryKeyURL string            `yaml:"recovery-key-url,omitempty" mapstructure:"recovery-key-url"`
	Volumes        []EncryptedVolume `yaml:"volumes" mapstructure:"volumes"`
	Pcrs           []int             `yaml:"pcrs,omitempty" mapstructure:"pcrs"`
}

// AbVolume is a string enum distinguishing the two A/B slots, plus the
// sentinel used before any A/B pair has been activated.
type AbVolume string

const (
	AbVolumeA    AbVolume = "A"
	AbVolumeB    AbVolume = "B"
	AbVolumeNone AbVolume = "None"
)

// AbUpdatePair names the two block devices that alternate as the active A/B
// root between reboot-requiring updates.
type AbUpdatePair struct {
	Id        BlockDeviceId `yaml:"id" mapstructure:"id"`
	VolumeAId BlockDeviceId `yaml:"volume-a-id" mapstructure:"volume-a-id"`
	VolumeBId BlockDeviceId `yaml:"volume-b-id" mapstructure:"volume-b-id"`
}

// CorruptionOption controls dm-verity's kernel-side behavior on a detected
// hash mismatch (io-error, panic, restart). The verity realizer does not
// read it, so the value is not passed on to veritysetup.
type CorruptionOption string

const (
	CorruptionIoError  CorruptionOption = "io-error"
	CorruptionPanic    CorruptionOption = "panic"
	CorruptionRestart  CorruptionOption = "restart"
)

// VerityDevice declares a dm-verity mapping over a data/hash partition pair.
type VerityDevice struct {
	Id               BlockDeviceId    `yaml:"id" mapstructure:"id"`
	Name             string           `yaml:"name" mapstructure:"name"`
	DataDeviceId     BlockDeviceId    `yaml:"data-device-id" mapstructure:"data-device-id"`
	HashDeviceId     BlockDeviceId    `yaml:"hash-device-id" mapstructure:"hash-device-id"`
	CorruptionOption CorruptionOption `yaml:"corruption-option,omitempty" mapstructure:"corruption-option"`
}

// FileSystemSourceKind enumerates how a Filesystem's contents are populated.
type FileSystemSourceKind string

const (
	SourceImage    FileSystemSourceKind = "image"
	SourceNew      FileSystemSourceKind = "new"
	SourceEspImage FileSystemSourceKind = "esp-image"
	SourceAdopted  FileSystemSourceKind = "adopted"
	SourceTmpfs    FileSystemSourceKind = "tmpfs"
)

// FileSystemSource is a discriminated union over FileSystemSourceKind; only
// the field matching Kind is meaningful.
type FileSystemSource struct {
	Kind        FileSystemSourceKind `yaml:"kind" mapstructure:"kind"`
	ImageURL    string               `yaml:"image-url,omitempty" mapstructure:"image-url"`
	ImageSha384 string               `yaml:"image-sha384,omitempty" mapstructure:"image-sha384"`
	NewFsType   string               `yaml:"new-fs-type,omitempty" mapstructure:"new-fs-type"`
}

// MountPoint is where and with what options a Filesystem is mounted.
type MountPoint struct {
	Path    string   `yaml:"path" mapstructure:"path"`
	Options []string `yaml:"options,omitempty" mapstructure:"options"`
}

// Filesystem attaches contents and an optional mount point to a block
// device. DeviceId is empty for Tmpfs sources, which have no backing device.
type Filesystem struct {
	DeviceId   BlockDeviceId     `yaml:"device-id,omitempty" mapstructure:"device-id"`
	Source     FileSystemSource  `yaml:"source" mapstructure:"source"`
	MountPoint *MountPoint       `yaml:"mount-point,omitempty" mapstructure:"mount-point"`
}

// VerityFileSystem is a Filesystem attached to a VerityDevice rather than to
// a plain block device; kept distinct from Filesystem because its backing
// "device" is virtual until the verity device is opened (C2).
type VerityFileSystem struct {
	VerityDeviceId BlockDeviceId    `yaml:"verity-device-id" mapstructure:"verity-device-id"`
	Source         FileSystemSource `yaml:"source" mapstructure:"source"`
	MountPoint     *MountPoint      `yaml:"mount-point,omitempty" mapstructure:"mount-point"`
}

// Swap designates a block device as a swap target.
type Swap struct {
	DeviceId BlockDeviceId `yaml:"device-id" mapstructure:"device-id"`
}

// Extension is a single sysext/confext entry in the OS-level settings block.
type ExtensionKind string

const (
	ExtensionSysext  ExtensionKind = "sysext"
	ExtensionConfext ExtensionKind = "confext"
)

type Extension struct {
	Id     string        `yaml:"id" mapstructure:"id"`
	Kind   ExtensionKind `yaml:"kind" mapstructure:"kind"`
	URL    string        `yaml:"url" mapstructure:"url"`
	Sha384 string        `yaml:"sha384" mapstructure:"sha384"`
}

// OsSettings is the OS-level settings block: users, network, services,
// kernel cmdline, hostname, additional files, SELinux mode, and the
// extension list. The core compares these fields to classify the servicing
// kind and places the listed extensions; the configure phase runs yip's
// "configure" stage without passing this block to it, so the other
// settings are stored in the host status but not applied to the host.
type OsSettings struct {
	Hostname      string      `yaml:"hostname,omitempty" mapstructure:"hostname"`
	KernelCmdline string      `yaml:"kernel-cmdline,omitempty" mapstructure:"kernel-cmdline"`
	SelinuxMode   string      `yaml:"selinux-mode,omitempty" mapstructure:"selinux-mode"`
	Extensions    []Extension `yaml:"extensions,omitempty" mapstructure:"extensions"`
	Raw           map[string]interface{} `yaml:",inline" mapstructure:",remain"`
}

// HostConfiguration is the full declarative intent document for a host. It
// is immutable once parsed; all mutation happens by constructing a new
// value and diffing against the persisted one.
type HostConfiguration struct {
	Disks         []Disk             `yaml:"disks,omitempty" mapstructure:"disks"`
	RaidArrays    []RaidArray        `yaml:"raid,omitempty" mapstructure:"raid"`
	Encryption    *Encryption        `yaml:"encryption,omitempty" mapstructure:"encryption"`
	AbUpdate      []AbUpdatePair     `yaml:"ab-update,omitempty" mapstructure:"ab-update"`
	Verity        []VerityDevice     `yaml:"verity,omitempty" mapstructure:"verity"`
	Filesystems   []Filesystem       `yaml:"filesystems,omitempty" mapstructure:"filesystems"`
	VerityFilesystems []VerityFileSystem `yaml:"verity-filesystems,omitempty" mapstructure:"verity-filesystems"`
	Swap          []Swap             `yaml:"swap,omitempty" mapstructure:"swap"`
	Os            OsSettings         `yaml:"os,omitempty" mapstructure:"os"`
}
