package blockdevice

import (
	"fmt"

	"github.com/rancher-sandbox/hostagent/pkg/types"
)

// BuildError collapses what the original modeled as one error variant per
// rule into a single Go type carrying a Rule tag, the idiomatic rendition
// of a Rust closed enum used purely for diagnostics.
type BuildError struct {
	Rule    string
	NodeId  types.BlockDeviceId
	Kind    Kind
	Detail  string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s: node %q (kind %s): %s", e.Rule, e.NodeId, e.Kind, e.Detail)
}

func errDuplicateId(id types.BlockDeviceId) error {
	return &BuildError{Rule: "DuplicateDeviceId", NodeId: id, Detail: "duplicate block device id"}
}

func errDuplicateTarget(k Kind, node, target types.BlockDeviceId) error {
	return &BuildError{Rule: "DuplicateTargetId", NodeId: node, Kind: k, Detail: fmt.Sprintf("target %q listed more than once", target)}
}

func errInvalidTargetCount(k Kind, node types.BlockDeviceId, got int, want Cardinality) error {
	return &BuildError{Rule: "InvalidTargetCount", NodeId: node, Kind: k, Detail: fmt.Sprintf("has %d targets, expected %+v", got, want)}
}

func errNonExistentReference(k Kind, node, target types.BlockDeviceId) error {
	return &BuildError{Rule: "NonExistentReference", NodeId: node, Kind: k, Detail: fmt.Sprintf("references unknown id %q", target)}
}

func errInvalidReferenceKind(k Kind, node, target types.BlockDeviceId, targetKind Kind) error {
	return &BuildError{Rule: "InvalidReferenceKind", NodeId: node, Kind: k, Detail: fmt.Sprintf("target %q has incompatible kind %s", target, targetKind)}
}

func errDuplicateMountPoint(path string) error {
	return &BuildError{Rule: "DuplicateMountPoint", Detail: fmt.Sprintf("mount point %q used more than once", path)}
}

func errInvalidMountPoint(path string) error {
	return &BuildError{Rule: "InvalidMountPoint", Detail: fmt.Sprintf("mount point %q is not an absolute path", path)}
}

func errFilesystemDeviceMissing(id types.BlockDeviceId) error {
	return &BuildError{Rule: "FilesystemDeviceMissing", NodeId: id, Detail: "filesystem references unknown device id"}
}

func errFilesystemDeviceAlreadyAttached(id types.BlockDeviceId) error {
	return &BuildError{Rule: "FilesystemDeviceAlreadyAttached", NodeId: id, Detail: "device already has an attached filesystem"}
}

func errTmpfsWithDevice(id types.BlockDeviceId) error {
	return &BuildError{Rule: "TmpfsWithDevice", NodeId: id, Detail: "tmpfs filesystem source must not declare a device id"}
}

func errNonHomogeneousReferenceKinds(k Kind, node types.BlockDeviceId) error {
	return &BuildError{Rule: "NonHomogeneousReferenceKinds", NodeId: node, Kind: k, Detail: "targets must all be the same kind"}
}

func errNonHomogeneousPartitionSizes(k Kind, node types.BlockDeviceId) error {
	return &BuildError{Rule: "NonHomogeneousPartitionSizes", NodeId: node, Kind: k, Detail: "underlying partitions must have equal fixed sizes"}
}

func errNonHomogeneousPartitionTypes(k Kind, node types.BlockDeviceId) error {
	return &BuildError{Rule: "NonHomogeneousPartitionTypes", NodeId: node, Kind: k, Detail: "underlying partitions must have equal partition types"}
}

func errInvalidPartitionType(k Kind, node types.BlockDeviceId, partType types.PartitionType) error {
	return &BuildError{Rule: "InvalidPartitionType", NodeId: node, Kind: k, Detail: fmt.Sprintf("underlying partition type %q is not allowed here", partType)}
}

func errSharingNotAllowed(node, peer types.BlockDeviceId) error {
	return &BuildError{Rule: "SharingNotAllowed", NodeId: node, Detail: fmt.Sprintf("target is already referenced by %q and the two referrer kinds may not share it", peer)}
}

func errDuplicateName(k Kind, name string) error {
	return &BuildError{Rule: "DuplicateName", Kind: k, Detail: fmt.Sprintf("name %q is already used by another node of this kind", name)}
}

func errVerityHashTypeMismatch(id types.BlockDeviceId, want, got types.PartitionType) error {
	return &BuildError{Rule: "VerityHashTypeMismatch", NodeId: id, Kind: KindVerityDevice, Detail: fmt.Sprintf("hash partition type %q does not match expected %q", got, want)}
}

func errAbPairMismatch(id types.BlockDeviceId, detail string) error {
	return &BuildError{Rule: "AbPairMismatch", NodeId: id, Detail: detail}
}

func errMultipleEsp() error {
	return &BuildError{Rule: "MultipleEsp", Detail: "exactly one ESP partition must be declared across the graph"}
}

func errInternal(detail string) error {
	return &BuildError{Rule: "InternalError", Detail: detail}
}
