package verity_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/afero"
	"k8s.io/mount-utils"

	"github.com/rancher-sandbox/hostagent/pkg/types"
	"github.com/rancher-sandbox/hostagent/pkg/verity"
)

func TestVeritySuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Verity/overlay cmdline rewriting test suite")
}

type fakeMounter struct {
	mount.Interface
	points []mount.MountPoint
}

func (f *fakeMounter) List() ([]mount.MountPoint, error) { return f.points, nil }

const grubTemplate = `set timeout=0
menuentry "Linux" {
	linux /boot/vmlinuz root=/dev/sda2 console=tty1 quiet
	initrd /boot/initrd
}
`

var _ = Describe("Rewriter.RewriteGrubConfig", func() {
	It("adds verity and overlay arguments to the linux line", func() {
		fs := afero.NewMemMapFs()
		Expect(afero.WriteFile(fs, "/boot/grub2/grub.cfg", []byte(grubTemplate), 0o644)).To(Succeed())

		mounter := &fakeMounter{points: []mount.MountPoint{
			{Device: "/dev/mapper/overlay-part", Path: "/var/lib/trident-overlay"},
		}}
		r := verity.NewRewriter(fs, mounter)

		Expect(r.RewriteGrubConfig("/boot/grub2/grub.cfg", "/dev/mapper/root-data", "/dev/mapper/root-hash")).To(Succeed())

		out, err := afero.ReadFile(fs, "/boot/grub2/grub.cfg")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(ContainSubstring("systemd.verity_root_data=/dev/mapper/root-data"))
		Expect(string(out)).To(ContainSubstring("systemd.verity_root_hash=/dev/mapper/root-hash"))
		Expect(string(out)).To(ContainSubstring("rd.overlayfs=etc,etc/upper,etc/work"))
		Expect(string(out)).To(ContainSubstring("rd.overlayfs_persistent_volume=/dev/mapper/overlay-part"))
		Expect(string(out)).To(ContainSubstring("rd.systemd.verity=1"))
		Expect(string(out)).To(ContainSubstring("root=/dev/sda2"), "unrelated arguments must survive")
		Expect(string(out)).To(ContainSubstring("console=tty1"))
	})

	It("fails when the overlay mount point cannot be found", func() {
		fs := afero.NewMemMapFs()
		Expect(afero.WriteFile(fs, "/boot/grub2/grub.cfg", []byte(grubTemplate), 0o644)).To(Succeed())
		r := verity.NewRewriter(fs, &fakeMounter{})
		Expect(r.RewriteGrubConfig("/boot/grub2/grub.cfg", "/dev/mapper/root-data", "/dev/mapper/root-hash")).To(HaveOccurred())
	})

	It("fails when there is no linux command line", func() {
		fs := afero.NewMemMapFs()
		Expect(afero.WriteFile(fs, "/boot/grub2/grub.cfg", []byte("set timeout=0\n"), 0o644)).To(Succeed())
		mounter := &fakeMounter{points: []mount.MountPoint{{Device: "/dev/mapper/overlay-part", Path: "/var/lib/trident-overlay"}}}
		r := verity.NewRewriter(fs, mounter)
		Expect(r.RewriteGrubConfig("/boot/grub2/grub.cfg", "/dev/mapper/root-data", "/dev/mapper/root-hash")).To(HaveOccurred())
	})
})

var _ = Describe("CheckConsistency", func() {
	It("passes when verity is declared and the cmdline carries rd.systemd.verity=1", func() {
		fs := afero.NewMemMapFs()
		contents := "linux /boot/vmlinuz root=/dev/sda2 rd.systemd.verity=1\n"
		Expect(afero.WriteFile(fs, "/grub.cfg", []byte(contents), 0o644)).To(Succeed())
		config := types.HostConfiguration{Verity: []types.VerityDevice{{Id: "v1"}}}
		Expect(verity.CheckConsistency(fs, "/grub.cfg", config)).To(Succeed())
	})

	It("fails when verity is declared but the cmdline lacks rd.systemd.verity", func() {
		fs := afero.NewMemMapFs()
		contents := "linux /boot/vmlinuz root=/dev/sda2\n"
		Expect(afero.WriteFile(fs, "/grub.cfg", []byte(contents), 0o644)).To(Succeed())
		config := types.HostConfiguration{Verity: []types.VerityDevice{{Id: "v1"}}}
		Expect(verity.CheckConsistency(fs, "/grub.cfg", config)).To(HaveOccurred())
	})

	It("fails when rd.systemd.verity is set but no verity was declared", func() {
		fs := afero.NewMemMapFs()
		contents := "linux /boot/vmlinuz root=/dev/sda2 rd.systemd.verity=1\n"
		Expect(afero.WriteFile(fs, "/grub.cfg", []byte(contents), 0o644)).To(Succeed())
		Expect(verity.CheckConsistency(fs, "/grub.cfg", types.HostConfiguration{})).To(HaveOccurred())
	})
})
