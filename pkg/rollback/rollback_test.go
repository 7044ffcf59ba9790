package rollback_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher-sandbox/hostagent/pkg/rollback"
	"github.com/rancher-sandbox/hostagent/pkg/types"
)

func TestRollbackSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Manual rollback chain test suite")
}

const minVersion = rollback.MinimumVersion

func hs(state types.ServicingState, vol types.AbVolume, version string, lastError string) *types.HostStatus {
	return &types.HostStatus{
		ServicingState: state,
		AbActiveVolume: vol,
		AgentVersion:   version,
		LastError:      lastError,
	}
}

// reversed returns a copy of list reversed to newest-first order, matching
// how the datastore yields records.
func reversed(list []*types.HostStatus) []*types.HostStatus {
	out := make([]*types.HostStatus, len(list))
	for i, v := range list {
		out[len(list)-1-i] = v
	}
	return out
}

var _ = Describe("NewContext", func() {
	It("returns an empty chain when the first record is not Provisioned", func() {
		ctx, err := rollback.NewContext(reversed([]*types.HostStatus{
			hs(types.StateCleanInstallStaged, types.AbVolumeA, minVersion, ""),
		}))
		Expect(err).NotTo(HaveOccurred())
		Expect(ctx.Chain()).To(BeEmpty())
	})

	It("finds one available A/B rollback after a single update", func() {
		list := []*types.HostStatus{
			hs(types.StateCleanInstallFinalized, types.AbVolumeNone, minVersion, ""),
			hs(types.StateProvisioned, types.AbVolumeA, minVersion, ""),
			hs(types.StateAbUpdateStaged, types.AbVolumeA, minVersion, ""),
			hs(types.StateAbUpdateFinalized, types.AbVolumeA, minVersion, ""),
			hs(types.StateProvisioned, types.AbVolumeB, minVersion, ""),
		}
		ctx, err := rollback.NewContext(reversed(list))
		Expect(err).NotTo(HaveOccurred())
		Expect(ctx.Chain()).To(HaveLen(1))
		Expect(ctx.Chain()[0].Kind).To(Equal(rollback.KindAb))
		Expect(ctx.Chain()[0].AbActiveVolume).To(Equal(types.AbVolumeA))
	})

	It("finds a runtime rollback after a runtime update", func() {
		list := []*types.HostStatus{
			hs(types.StateCleanInstallFinalized, types.AbVolumeNone, minVersion, ""),
			hs(types.StateProvisioned, types.AbVolumeA, minVersion, ""),
			hs(types.StateRuntimeUpdateStaged, types.AbVolumeA, minVersion, ""),
			hs(types.StateProvisioned, types.AbVolumeA, minVersion, ""),
		}
		ctx, err := rollback.NewContext(reversed(list))
		Expect(err).NotTo(HaveOccurred())
		Expect(ctx.Chain()).To(HaveLen(1))
		Expect(ctx.Chain()[0].Kind).To(Equal(rollback.KindRuntime))
	})

	It("skips runtime rollbacks undone mid A/B manual rollback", func() {
		list := []*types.HostStatus{
			hs(types.StateCleanInstallFinalized, types.AbVolumeNone, minVersion, ""),
			hs(types.StateProvisioned, types.AbVolumeA, minVersion, ""),
			hs(types.StateAbUpdateStaged, types.AbVolumeA, minVersion, ""),
			hs(types.StateAbUpdateFinalized, types.AbVolumeA, minVersion, ""),
			hs(types.StateProvisioned, types.AbVolumeB, minVersion, ""),
			hs(types.StateRuntimeUpdateStaged, types.AbVolumeB, minVersion, ""),
			hs(types.StateProvisioned, types.AbVolumeB, minVersion, ""),
			hs(types.StateManualRollbackAbStaged, types.AbVolumeB, minVersion, ""),
			hs(types.StateManualRollbackAbFinalized, types.AbVolumeB, minVersion, ""),
			hs(types.StateProvisioned, types.AbVolumeA, minVersion, ""),
		}
		ctx, err := rollback.NewContext(reversed(list))
		Expect(err).NotTo(HaveOccurred())
		Expect(ctx.Chain()).To(BeEmpty())
	})

	It("excludes operations with an agent version below the minimum", func() {
		list := []*types.HostStatus{
			hs(types.StateCleanInstallFinalized, types.AbVolumeNone, "0.19.0", ""),
			hs(types.StateProvisioned, types.AbVolumeA, "0.19.0", ""),
			hs(types.StateAbUpdateStaged, types.AbVolumeA, "0.19.0", ""),
			hs(types.StateAbUpdateFinalized, types.AbVolumeA, "0.19.0", ""),
			hs(types.StateProvisioned, types.AbVolumeB, "0.19.0", ""),
		}
		ctx, err := rollback.NewContext(reversed(list))
		Expect(err).NotTo(HaveOccurred())
		Expect(ctx.Chain()).To(BeEmpty())
	})

	It("excludes an operation whose to-record has a last error", func() {
		list := []*types.HostStatus{
			hs(types.StateCleanInstallFinalized, types.AbVolumeNone, minVersion, ""),
			hs(types.StateProvisioned, types.AbVolumeA, minVersion, ""),
			hs(types.StateAbUpdateStaged, types.AbVolumeA, minVersion, "boom"),
			hs(types.StateAbUpdateFinalized, types.AbVolumeA, minVersion, ""),
			hs(types.StateProvisioned, types.AbVolumeB, minVersion, ""),
		}
		ctx, err := rollback.NewContext(reversed(list))
		Expect(err).NotTo(HaveOccurred())
		Expect(ctx.Chain()).To(BeEmpty())
	})
})

var _ = Describe("RequestKindFromFlags", func() {
	It("rejects conflicting expectations", func() {
		_, err := rollback.RequestKindFromFlags(true, true)
		Expect(err).To(HaveOccurred())
	})

	It("maps no flags to RollbackNext", func() {
		kind, err := rollback.RequestKindFromFlags(false, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(kind).To(Equal(rollback.RollbackNext))
	})
})

var _ = Describe("Context.RequestedRollback", func() {
	It("returns none when the chain is empty", func() {
		ctx, err := rollback.NewContext(reversed([]*types.HostStatus{
			hs(types.StateCleanInstallFinalized, types.AbVolumeNone, minVersion, ""),
			hs(types.StateProvisioned, types.AbVolumeA, minVersion, ""),
		}))
		Expect(err).NotTo(HaveOccurred())
		s, err := ctx.CheckRequestedRollback(rollback.RollbackNext)
		Expect(err).NotTo(HaveOccurred())
		Expect(s).To(Equal("none"))
	})

	It("errors when a runtime-only rollback would actually undo an A/B update", func() {
		list := []*types.HostStatus{
			hs(types.StateCleanInstallFinalized, types.AbVolumeNone, minVersion, ""),
			hs(types.StateProvisioned, types.AbVolumeA, minVersion, ""),
			hs(types.StateAbUpdateStaged, types.AbVolumeA, minVersion, ""),
			hs(types.StateAbUpdateFinalized, types.AbVolumeA, minVersion, ""),
			hs(types.StateProvisioned, types.AbVolumeB, minVersion, ""),
		}
		ctx, err := rollback.NewContext(reversed(list))
		Expect(err).NotTo(HaveOccurred())
		_, err = ctx.RequestedRollback(rollback.RollbackOnlyIfNextIsRuntime)
		Expect(err).To(HaveOccurred())
	})
})
