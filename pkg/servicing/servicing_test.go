package servicing_test

import (
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher-sandbox/hostagent/pkg/servicing"
	"github.com/rancher-sandbox/hostagent/pkg/types"
)

func TestServicingSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Servicing state machine test suite")
}

var _ = Describe("DecideKind", func() {
	It("only ever permits CleanInstall against a temporary datastore", func() {
		kind, err := servicing.DecideKind(false, types.HostStatus{}, types.HostConfiguration{})
		Expect(err).NotTo(HaveOccurred())
		Expect(kind).To(Equal(types.CleanInstall))
	})

	It("reports NoActiveServicing when the new intent is identical to the persisted one", func() {
		spec := types.HostConfiguration{Disks: []types.Disk{{Id: "disk1"}}}
		status := types.HostStatus{Spec: spec, ServicingState: types.StateProvisioned}
		kind, err := servicing.DecideKind(true, status, spec)
		Expect(err).NotTo(HaveOccurred())
		Expect(kind).To(Equal(types.NoActiveServicing))
	})

	It("replays the in-flight operation when resubmitted mid-staging", func() {
		spec := types.HostConfiguration{Disks: []types.Disk{{Id: "disk1"}}}
		status := types.HostStatus{Spec: spec, ServicingState: types.StateAbUpdateStaged}
		kind, err := servicing.DecideKind(true, status, spec)
		Expect(err).NotTo(HaveOccurred())
		Expect(kind).To(Equal(types.AbUpdate))
	})

	It("classifies an extension-only change as a RuntimeUpdate", func() {
		old := types.HostConfiguration{Os: types.OsSettings{Hostname: "host1"}}
		status := types.HostStatus{Spec: old, ServicingState: types.StateProvisioned}
		newIntent := old
		newIntent.Os.Extensions = []types.Extension{{Id: "net-tools", Kind: types.ExtensionSysext}}
		kind, err := servicing.DecideKind(true, status, newIntent)
		Expect(err).NotTo(HaveOccurred())
		Expect(kind).To(Equal(types.RuntimeUpdate))
	})

	It("classifies a disk layout change as an AbUpdate", func() {
		old := types.HostConfiguration{Disks: []types.Disk{{Id: "disk1"}}}
		status := types.HostStatus{Spec: old, ServicingState: types.StateProvisioned}
		newIntent := types.HostConfiguration{Disks: []types.Disk{{Id: "disk1"}, {Id: "disk2"}}}
		kind, err := servicing.DecideKind(true, status, newIntent)
		Expect(err).NotTo(HaveOccurred())
		Expect(kind).To(Equal(types.AbUpdate))
	})

	It("classifies a simultaneous disk and extension change as an AbUpdate", func() {
		old := types.HostConfiguration{Disks: []types.Disk{{Id: "disk1"}}}
		status := types.HostStatus{Spec: old, ServicingState: types.StateProvisioned}
		newIntent := types.HostConfiguration{
			Disks: []types.Disk{{Id: "disk1"}, {Id: "disk2"}},
			Os:    types.OsSettings{Extensions: []types.Extension{{Id: "net-tools"}}},
		}
		kind, err := servicing.DecideKind(true, status, newIntent)
		Expect(err).NotTo(HaveOccurred())
		Expect(kind).To(Equal(types.AbUpdate))
	})
})

var _ = Describe("Run", func() {
	It("runs provision but not prepare for a clean install", func() {
		var order []string
		phases := servicing.Phases{
			PreServicing: func() error { order = append(order, "pre"); return nil },
			Prepare:      func() error { order = append(order, "prepare"); return nil },
			Provision:    func() error { order = append(order, "provision"); return nil },
			Configure:    func() error { order = append(order, "configure"); return nil },
			CleanUp:      func() error { order = append(order, "cleanup"); return nil },
		}
		Expect(servicing.Run(types.CleanInstall, phases)).To(Succeed())
		Expect(order).To(Equal([]string{"pre", "provision", "configure", "cleanup"}))
	})

	It("runs prepare but not provision for a runtime update", func() {
		var order []string
		phases := servicing.Phases{
			Prepare:   func() error { order = append(order, "prepare"); return nil },
			Provision: func() error { order = append(order, "provision"); return nil },
			Configure: func() error { order = append(order, "configure"); return nil },
		}
		Expect(servicing.Run(types.RuntimeUpdate, phases)).To(Succeed())
		Expect(order).To(Equal([]string{"prepare", "configure"}))
	})

	It("always runs clean_up even when an earlier phase fails", func() {
		cleanedUp := false
		phases := servicing.Phases{
			Provision: func() error { return errors.New("boom") },
			CleanUp:   func() error { cleanedUp = true; return nil },
		}
		err := servicing.Run(types.CleanInstall, phases)
		Expect(err).To(HaveOccurred())
		Expect(cleanedUp).To(BeTrue())
	})
})

var _ = Describe("ValidateBoot", func() {
	It("promotes a finalized A/B update to Provisioned on a matching boot", func() {
		status := types.HostStatus{ServicingState: types.StateAbUpdateFinalized, BootNext: "0003"}
		state, err := servicing.ValidateBoot(status, "0003")
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(types.StateProvisioned))
	})

	It("drops a finalized A/B update to the health-check-failed state on a mismatched boot", func() {
		status := types.HostStatus{ServicingState: types.StateAbUpdateFinalized, BootNext: "0003"}
		state, err := servicing.ValidateBoot(status, "0001")
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(types.StateAbUpdateHealthCheckFailed))
	})

	It("is a no-op when there is no pending BootNext", func() {
		status := types.HostStatus{ServicingState: types.StateProvisioned}
		state, err := servicing.ValidateBoot(status, "0003")
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(types.StateProvisioned))
	})

	It("is a no-op for states that don't require a reboot", func() {
		status := types.HostStatus{ServicingState: types.StateRuntimeUpdateFinalized, BootNext: "0003"}
		state, err := servicing.ValidateBoot(status, "0001")
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(types.StateRuntimeUpdateFinalized))
	})
})

var _ = Describe("StagedState / FinalizedState", func() {
	It("round-trips every servicing kind through staged and finalized states", func() {
		for _, kind := range []types.ServicingType{types.CleanInstall, types.AbUpdate, types.RuntimeUpdate, types.ManualRollbackAb, types.ManualRollbackRuntime} {
			staged, err := servicing.StagedState(kind)
			Expect(err).NotTo(HaveOccurred())
			_, err = servicing.FinalizedState(staged)
			Expect(err).NotTo(HaveOccurred())
		}
	})

	It("rejects NoActiveServicing, which has no staged state", func() {
		_, err := servicing.StagedState(types.NoActiveServicing)
		Expect(err).To(HaveOccurred())
	})
})
