package blockdevice

import "github.com/rancher-sandbox/hostagent/pkg/types"

// ReferrerRule is the per-kind rule set the builder enforces at step (ii)
// and at the homogeneity/sharing/uniqueness passes.
type ReferrerRule struct {
	ValidTargetCount     Cardinality
	CompatibleKinds      map[Kind]bool
	HomogeneousRefKinds  bool
	HomogeneousPartSizes bool
	HomogeneousPartTypes bool
	AllowedPartTypes     map[types.PartitionType]bool // nil == unrestricted
	SharingPeers         map[Kind]bool
}

func kindSet(ks ...Kind) map[Kind]bool {
	m := make(map[Kind]bool, len(ks))
	for _, k := range ks {
		m[k] = true
	}
	return m
}

// Rules maps each referrer Kind to its ReferrerRule. Disk, Partition, and
// AdoptedPartition are not referrers (they have no Targets) and are absent
// here; the builder looks up every node's kind and treats a missing entry
// as "not a referrer", skipping the referrer-only checks for that node.
var Rules = map[Kind]ReferrerRule{
	KindRaidArray: {
		ValidTargetCount:     AtLeast(2),
		CompatibleKinds:      kindSet(KindPartition, KindAdoptedPartition),
		HomogeneousRefKinds:  true,
		HomogeneousPartSizes: true,
		HomogeneousPartTypes: true,
		AllowedPartTypes:     map[types.PartitionType]bool{types.PartitionTypeRaid: true, types.PartitionTypeLinuxGeneric: true},
		SharingPeers:         kindSet(),
	},
	KindEncryptedVolume: {
		ValidTargetCount: Exactly(1),
		CompatibleKinds:  kindSet(KindPartition, KindAdoptedPartition, KindRaidArray),
		SharingPeers:     kindSet(),
	},
	KindVerityDevice: {
		ValidTargetCount: Exactly(2), // data, hash
		CompatibleKinds:  kindSet(KindPartition, KindAdoptedPartition, KindRaidArray, KindEncryptedVolume),
		SharingPeers:     kindSet(),
	},
}

// AbPairSharingPeers are the referrer kinds an A/B pair's side may share its
// target with: an A/B-pair side may share its data partition with a
// verity-data role, but not with an unrelated filesystem.
var AbPairSharingPeers = kindSet(KindVerityDevice)
