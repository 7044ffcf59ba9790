package bootentry_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher-sandbox/hostagent/pkg/bootentry"
	"github.com/rancher-sandbox/hostagent/pkg/types"
)

func TestBootEntrySuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Boot entry reconciliation test suite")
}

var _ = Describe("UpdateEfiBootOrder", func() {
	It("promotes BootCurrent to the front when it booted from the updated volume", func() {
		snap := bootentry.Snapshot{BootCurrent: "0003", BootOrder: []string{"0001", "0000"}}
		order, clear := bootentry.UpdateEfiBootOrder("0003", snap)
		Expect(clear).To(BeTrue())
		Expect(*order).To(Equal("0003,0001,0000"))
	})

	It("leaves the order alone when it booted from the old volume", func() {
		snap := bootentry.Snapshot{BootCurrent: "0003", BootOrder: []string{"0001", "0000"}}
		order, clear := bootentry.UpdateEfiBootOrder("0001", snap)
		Expect(order).To(BeNil())
		Expect(clear).To(BeTrue())
	})

	It("does nothing when BootNext was never set", func() {
		snap := bootentry.Snapshot{BootCurrent: "0003", BootOrder: []string{"0001", "0000"}}
		order, clear := bootentry.UpdateEfiBootOrder("", snap)
		Expect(order).To(BeNil())
		Expect(clear).To(BeFalse())
	})

	It("promotes an entry already present but not first", func() {
		snap := bootentry.Snapshot{BootCurrent: "0003", BootOrder: []string{"0001", "0003", "0000"}}
		order, clear := bootentry.UpdateEfiBootOrder("0003", snap)
		Expect(clear).To(BeTrue())
		Expect(*order).To(Equal("0003,0001,0000"))
	})

	It("is a no-op when the entry is already first", func() {
		snap := bootentry.Snapshot{BootCurrent: "0003", BootOrder: []string{"0003", "0001", "0000"}}
		order, clear := bootentry.UpdateEfiBootOrder("0003", snap)
		Expect(order).To(BeNil())
		Expect(clear).To(BeTrue())
	})

	It("does not reorder if firmware already has its own BootNext queued", func() {
		snap := bootentry.Snapshot{BootNext: "0005", BootCurrent: "0003", BootOrder: []string{"0001", "0000"}}
		order, clear := bootentry.UpdateEfiBootOrder("0003", snap)
		Expect(order).To(BeNil())
		Expect(clear).To(BeFalse())
	})
})

var _ = Describe("EspDirName", func() {
	It("always uses volume A for a clean install", func() {
		status := types.HostStatus{ServicingType: types.CleanInstall, AbActiveVolume: types.AbVolumeB}
		name, err := bootentry.EspDirName(status)
		Expect(err).NotTo(HaveOccurred())
		Expect(name).To(Equal("AZLA"))
	})

	It("targets the inactive volume for an A/B update", func() {
		status := types.HostStatus{ServicingType: types.AbUpdate, AbActiveVolume: types.AbVolumeA}
		name, err := bootentry.EspDirName(status)
		Expect(err).NotTo(HaveOccurred())
		Expect(name).To(Equal("AZLB"))
	})

	It("fails when no servicing type is recorded", func() {
		_, err := bootentry.EspDirName(types.HostStatus{})
		Expect(err).To(HaveOccurred())
	})
})
