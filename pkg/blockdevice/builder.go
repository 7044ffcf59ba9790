package blockdevice

import (
	"path"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/rancher-sandbox/hostagent/pkg/types"
)

// Builder accumulates a HostConfiguration's declarations before Build()
// performs the nine-step validation algorithm. Grounded on
// original_source's BlockDeviceGraphBuilder, which likewise separates
// "add everything" from "build and validate everything".
type Builder struct {
	cfg types.HostConfiguration
}

func NewBuilder(cfg types.HostConfiguration) *Builder {
	return &Builder{cfg: cfg}
}

// Build runs the full validation algorithm and returns either a fully
// validated Graph or an error. Node insertion, reference, mount-point and
// filesystem-attachment checks stop at the first error; the remaining
// checks (A/B pairs, sharing, names, homogeneity, partition types, verity
// hash types, ESP count) all run and their errors are returned together as
// one multierror. Validation is total: the builder never returns a
// partially-built graph — on any error, the returned Graph is nil.
func (b *Builder) Build() (*Graph, error) {
	nodes := map[types.BlockDeviceId]*Node{}

	if err := b.insertNodes(nodes); err != nil {
		return nil, err
	}
	if err := buildNodeReferences(nodes); err != nil {
		return nil, err
	}
	if err := checkMountPoints(b.cfg); err != nil {
		return nil, err
	}

	devicelessFs, err := attachFilesystems(b.cfg, nodes)
	if err != nil {
		return nil, err
	}
	if err := attachVerityFilesystems(b.cfg, nodes); err != nil {
		return nil, err
	}

	graph := &Graph{Nodes: nodes, DevicelessFilesystems: devicelessFs}

	var result *multierror.Error
	if err := checkAbPairs(b.cfg, graph); err != nil {
		result = multierror.Append(result, err)
	}
	if err := checkSharing(b.cfg, graph); err != nil {
		result = multierror.Append(result, err)
	}
	if err := checkUniqueNames(graph); err != nil {
		result = multierror.Append(result, err)
	}
	if err := checkPartitionHomogeneity(graph); err != nil {
		result = multierror.Append(result, err)
	}
	if err := checkValidPartitionTypes(graph); err != nil {
		result = multierror.Append(result, err)
	}
	if err := checkVerityHashTypes(b.cfg, graph); err != nil {
		result = multierror.Append(result, err)
	}
	if err := checkSingleEsp(graph); err != nil {
		result = multierror.Append(result, err)
	}
	if result.ErrorOrNil() != nil {
		return nil, result
	}

	return graph, nil
}

func (b *Builder) insertNodes(nodes map[types.BlockDeviceId]*Node) error {
	for _, disk := range b.cfg.Disks {
		if _, dup := nodes[disk.Id]; dup {
			return errDuplicateId(disk.Id)
		}
		nodes[disk.Id] = &Node{Id: disk.Id, Kind: KindDisk, Device: disk.Device}
		for _, part := range disk.Partitions {
			if _, dup := nodes[part.Id]; dup {
				return errDuplicateId(part.Id)
			}
			nodes[part.Id] = &Node{Id: part.Id, Kind: KindPartition, PartType: part.Type, Size: part.Size}
		}
	}
	for _, raid := range b.cfg.RaidArrays {
		if _, dup := nodes[raid.Id]; dup {
			return errDuplicateId(raid.Id)
		}
		nodes[raid.Id] = &Node{Id: raid.Id, Kind: KindRaidArray, Targets: append([]types.BlockDeviceId{}, raid.Devices...), Name: raid.Name}
	}
	if b.cfg.Encryption != nil {
		for _, vol := range b.cfg.Encryption.Volumes {
			if _, dup := nodes[vol.Id]; dup {
				return errDuplicateId(vol.Id)
			}
			nodes[vol.Id] = &Node{Id: vol.Id, Kind: KindEncryptedVolume, Targets: []types.BlockDeviceId{vol.DeviceId}, Name: vol.DeviceName}
		}
	}
	for _, ver := range b.cfg.Verity {
		if _, dup := nodes[ver.Id]; dup {
			return errDuplicateId(ver.Id)
		}
		nodes[ver.Id] = &Node{Id: ver.Id, Kind: KindVerityDevice, Targets: []types.BlockDeviceId{ver.DataDeviceId, ver.HashDeviceId}, Name: ver.Name}
	}
	// Adopted partitions: any device-id referenced by an Adopted filesystem
	// source that isn't already a declared node is registered as an
	// AdoptedPartition leaf,
	// storage is not repartitioned in this case.
	for _, fs := range b.cfg.Filesystems {
		if fs.Source.Kind == types.SourceAdopted && fs.DeviceId != "" {
			if _, exists := nodes[fs.DeviceId]; !exists {
				nodes[fs.DeviceId] = &Node{Id: fs.DeviceId, Kind: KindAdoptedPartition}
			}
		}
	}
	return nil
}

// buildNodeReferences verifies cardinality and kind compatibility of every
// referrer's targets, and populates the target's Dependents list. It
// iterates a snapshot of ids first since Go map iteration order is
// undefined and we mutate other entries mid-loop.
func buildNodeReferences(nodes map[types.BlockDeviceId]*Node) error {
	ids := make([]types.BlockDeviceId, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	for _, id := range ids {
		node := nodes[id]
		rule, isReferrer := Rules[node.Kind]
		if !isReferrer {
			continue
		}

		seen := map[types.BlockDeviceId]bool{}
		for _, t := range node.Targets {
			if seen[t] {
				return errDuplicateTarget(node.Kind, node.Id, t)
			}
			seen[t] = true
		}

		if !rule.ValidTargetCount.Contains(len(node.Targets)) {
			return errInvalidTargetCount(node.Kind, node.Id, len(node.Targets), rule.ValidTargetCount)
		}

		var firstKind Kind
		for i, t := range node.Targets {
			targetNode, ok := nodes[t]
			if !ok {
				return errNonExistentReference(node.Kind, node.Id, t)
			}
			if !rule.CompatibleKinds[targetNode.Kind] {
				return errInvalidReferenceKind(node.Kind, node.Id, t, targetNode.Kind)
			}
			if i == 0 {
				firstKind = targetNode.Kind
			} else if rule.HomogeneousRefKinds && targetNode.Kind != firstKind {
				return errNonHomogeneousReferenceKinds(node.Kind, node.Id)
			}
			targetNode.Dependents = append(targetNode.Dependents, node.Id)
		}
	}
	return nil
}

func checkMountPoints(cfg types.HostConfiguration) error {
	seen := map[string]bool{}
	check := func(mp *types.MountPoint) error {
		if mp == nil {
			return nil
		}
		if !path.IsAbs(mp.Path) {
			return errInvalidMountPoint(mp.Path)
		}
		if seen[mp.Path] {
			return errDuplicateMountPoint(mp.Path)
		}
		seen[mp.Path] = true
		return nil
	}
	for _, fs := range cfg.Filesystems {
		if err := check(fs.MountPoint); err != nil {
			return err
		}
	}
	for _, fs := range cfg.VerityFilesystems {
		if err := check(fs.MountPoint); err != nil {
			return err
		}
	}
	return nil
}

func attachFilesystems(cfg types.HostConfiguration, nodes map[types.BlockDeviceId]*Node) ([]AttachedFilesystem, error) {
	var deviceless []AttachedFilesystem
	for _, fs := range cfg.Filesystems {
		if fs.Source.Kind == types.SourceTmpfs {
			if fs.DeviceId != "" {
				return nil, errTmpfsWithDevice(fs.DeviceId)
			}
			deviceless = append(deviceless, AttachedFilesystem{Source: fs.Source, MountPoint: fs.MountPoint})
			continue
		}
		node, ok := nodes[fs.DeviceId]
		if !ok {
			return nil, errFilesystemDeviceMissing(fs.DeviceId)
		}
		if node.Filesystem != nil {
			return nil, errFilesystemDeviceAlreadyAttached(fs.DeviceId)
		}
		node.Filesystem = &AttachedFilesystem{Source: fs.Source, MountPoint: fs.MountPoint}
	}
	return deviceless, nil
}

func attachVerityFilesystems(cfg types.HostConfiguration, nodes map[types.BlockDeviceId]*Node) error {
	for _, fs := range cfg.VerityFilesystems {
		node, ok := nodes[fs.VerityDeviceId]
		if !ok {
			return errFilesystemDeviceMissing(fs.VerityDeviceId)
		}
		if node.Filesystem != nil {
			return errFilesystemDeviceAlreadyAttached(fs.VerityDeviceId)
		}
		node.Filesystem = &AttachedFilesystem{Source: fs.Source, MountPoint: fs.MountPoint}
	}
	return nil
}

// checkAbPairs enforces the A/B invariant: matching partition types,
// matching sizes, and compatible filesystem roles on both sides.
func checkAbPairs(cfg types.HostConfiguration, graph *Graph) error {
	var result *multierror.Error
	for _, pair := range cfg.AbUpdate {
		a, aok := graph.Get(pair.VolumeAId)
		b, bok := graph.Get(pair.VolumeBId)
		if !aok || !bok {
			result = multierror.Append(result, errAbPairMismatch(pair.Id, "one or both volumes do not exist"))
			continue
		}
		if a.Kind != b.Kind {
			result = multierror.Append(result, errAbPairMismatch(pair.Id, "volumes must be of the same kind"))
			continue
		}
		aParts, bParts := graph.UnderlyingPartitions(pair.VolumeAId), graph.UnderlyingPartitions(pair.VolumeBId)
		if len(aParts) != len(bParts) {
			result = multierror.Append(result, errAbPairMismatch(pair.Id, "volumes resolve to a different number of underlying partitions"))
			continue
		}
		for i := range aParts {
			if aParts[i].PartType != bParts[i].PartType {
				result = multierror.Append(result, errAbPairMismatch(pair.Id, "underlying partition types differ between A and B"))
				break
			}
			if !sizesMatch(aParts[i].Size, bParts[i].Size) {
				result = multierror.Append(result, errAbPairMismatch(pair.Id, "underlying partition sizes differ between A and B"))
				break
			}
		}
	}
	return result.ErrorOrNil()
}

func sizesMatch(a, b types.PartitionSize) bool {
	if a.Grow || b.Grow {
		return a.Grow == b.Grow
	}
	return a.Bytes == b.Bytes
}

// checkSharing enforces the pairwise sharing-peer matrix: a target node
// referenced by more than one referrer is only valid if every pair of
// referrer kinds touching it is whitelisted by both sides' SharingPeers.
func checkSharing(cfg types.HostConfiguration, graph *Graph) error {
	var result *multierror.Error
	referrerKindOf := map[types.BlockDeviceId]Kind{}
	for _, raid := range cfg.RaidArrays {
		referrerKindOf[raid.Id] = KindRaidArray
	}
	if cfg.Encryption != nil {
		for _, vol := range cfg.Encryption.Volumes {
			referrerKindOf[vol.Id] = KindEncryptedVolume
		}
	}
	for _, ver := range cfg.Verity {
		referrerKindOf[ver.Id] = KindVerityDevice
	}
	abReferrers := map[types.BlockDeviceId]bool{}
	for _, pair := range cfg.AbUpdate {
		abReferrers[pair.Id] = true
	}

	for id, node := range graph.Nodes {
		if len(node.Dependents) < 2 {
			continue
		}
		for i := 0; i < len(node.Dependents); i++ {
			for j := i + 1; j < len(node.Dependents); j++ {
				ki, kj := referrerKindOf[node.Dependents[i]], referrerKindOf[node.Dependents[j]]
				if !sharingAllowed(ki, kj) {
					result = multierror.Append(result, errSharingNotAllowed(id, node.Dependents[j]))
				}
			}
		}
	}
	return result.ErrorOrNil()
}

func sharingAllowed(a, b Kind) bool {
	ra, aok := Rules[a]
	rb, bok := Rules[b]
	if !aok || !bok {
		return false
	}
	return ra.SharingPeers[b] && rb.SharingPeers[a]
}

// checkUniqueNames enforces that RAID array name and verity device name
// must each be unique within their kind.
func checkUniqueNames(graph *Graph) error {
	var result *multierror.Error
	seenRaid := map[string]bool{}
	seenVerity := map[string]bool{}
	for _, node := range graph.Nodes {
		switch node.Kind {
		case KindRaidArray:
			if node.Name != "" {
				if seenRaid[node.Name] {
					result = multierror.Append(result, errDuplicateName(KindRaidArray, node.Name))
				}
				seenRaid[node.Name] = true
			}
		case KindVerityDevice:
			if node.Name != "" {
				if seenVerity[node.Name] {
					result = multierror.Append(result, errDuplicateName(KindVerityDevice, node.Name))
				}
				seenVerity[node.Name] = true
			}
		}
	}
	return result.ErrorOrNil()
}

func checkPartitionHomogeneity(graph *Graph) error {
	var result *multierror.Error
	for id, node := range graph.Nodes {
		rule, ok := Rules[node.Kind]
		if !ok {
			continue
		}
		parts := graph.UnderlyingPartitions(id)
		if len(parts) == 0 {
			continue
		}
		if rule.HomogeneousPartSizes {
			first := parts[0].Size
			for _, p := range parts[1:] {
				if !sizesMatch(first, p.Size) {
					result = multierror.Append(result, errNonHomogeneousPartitionSizes(node.Kind, id))
					break
				}
			}
		}
		if rule.HomogeneousPartTypes {
			first := parts[0].PartType
			for _, p := range parts[1:] {
				if p.PartType != first {
					result = multierror.Append(result, errNonHomogeneousPartitionTypes(node.Kind, id))
					break
				}
			}
		}
	}
	return result.ErrorOrNil()
}

func checkValidPartitionTypes(graph *Graph) error {
	var result *multierror.Error
	for id, node := range graph.Nodes {
		rule, ok := Rules[node.Kind]
		if !ok || rule.AllowedPartTypes == nil {
			continue
		}
		for _, p := range graph.UnderlyingPartitions(id) {
			if !rule.AllowedPartTypes[p.PartType] {
				result = multierror.Append(result, errInvalidPartitionType(node.Kind, id, p.PartType))
			}
		}
	}
	return result.ErrorOrNil()
}

// verityHashPartitionType maps a data partition type to the hash partition
// type its verity hash side must carry.
var verityHashPartitionType = map[types.PartitionType]types.PartitionType{
	types.PartitionTypeRoot: types.PartitionTypeRootVerity,
}

func checkVerityHashTypes(cfg types.HostConfiguration, graph *Graph) error {
	var result *multierror.Error
	for _, ver := range cfg.Verity {
		dataParts := graph.UnderlyingPartitions(ver.DataDeviceId)
		hashParts := graph.UnderlyingPartitions(ver.HashDeviceId)
		if len(dataParts) == 0 || len(hashParts) == 0 {
			continue
		}
		want, known := verityHashPartitionType[dataParts[0].PartType]
		if !known {
			continue
		}
		if hashParts[0].PartType != want {
			result = multierror.Append(result, errVerityHashTypeMismatch(ver.Id, want, hashParts[0].PartType))
		}
	}
	return result.ErrorOrNil()
}

func checkSingleEsp(graph *Graph) error {
	count := 0
	for _, node := range graph.Nodes {
		if node.Kind == KindPartition && node.PartType == types.PartitionTypeESP {
			count++
		}
	}
	if count != 1 {
		return errMultipleEsp()
	}
	return nil
}

// ConventionalMountPoints lists, per partition type, the mount-point path
// prefixes considered conventional; a mismatch is a warning, not an error
// (see DESIGN.md for the Open Question resolution).
var ConventionalMountPoints = map[types.PartitionType][]string{
	types.PartitionTypeESP:  {"/boot/efi", "/efi"},
	types.PartitionTypeRoot: {"/"},
	types.PartitionTypeVar:  {"/var"},
	types.PartitionTypeHome: {"/home"},
}

// CheckMountPointConvention returns a non-empty warning string (never an
// error) when a filesystem's mount point falls outside the conventional set
// for its partition's declared type. Build does not call it, so an
// unconventional mount point is neither logged nor rejected during Build.
func CheckMountPointConvention(partType types.PartitionType, mountPath string) string {
	prefixes, ok := ConventionalMountPoints[partType]
	if !ok || mountPath == "" {
		return ""
	}
	for _, p := range prefixes {
		if mountPath == p || strings.HasPrefix(mountPath, p+"/") {
			return ""
		}
	}
	return "mount point " + mountPath + " is unconventional for partition type " + string(partType)
}
