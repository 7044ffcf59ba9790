package config_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/afero"

	"github.com/rancher-sandbox/hostagent/pkg/config"
)

func TestConfigSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Config test suite")
}

const validHostConfig = `
disks:
  - id: disk0
    device: /dev/sda
    partition-table-type: gpt
    partitions:
      - id: esp
        type: esp
        size:
          bytes: 536870912
      - id: root
        type: root
        size:
          grow: true
filesystems:
  - device-id: esp
    source:
      kind: new
      new-fs-type: vfat
    mount-point:
      path: /boot/efi
  - device-id: root
    source:
      kind: new
      new-fs-type: ext4
    mount-point:
      path: /
os:
  hostname: test-host
`

var _ = Describe("LoadHostConfiguration", func() {
	It("decodes a well-formed document", func() {
		fs := afero.NewMemMapFs()
		Expect(afero.WriteFile(fs, "/host.yaml", []byte(validHostConfig), 0o644)).To(Succeed())

		cfg, err := config.LoadHostConfiguration(fs, "/host.yaml")
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Disks).To(HaveLen(1))
		Expect(cfg.Disks[0].Device).To(Equal("/dev/sda"))
		Expect(cfg.Os.Hostname).To(Equal("test-host"))
	})

	It("rejects an unknown top-level field", func() {
		fs := afero.NewMemMapFs()
		Expect(afero.WriteFile(fs, "/host.yaml", []byte(validHostConfig+"\nbogus-field: true\n"), 0o644)).To(Succeed())

		_, err := config.LoadHostConfiguration(fs, "/host.yaml")
		Expect(err).To(HaveOccurred())
	})

	It("preserves unrecognized keys inside the os block, which is an opaque passthrough", func() {
		fs := afero.NewMemMapFs()
		withExtra := validHostConfig + "\n  some-cloud-init-directive: value\n"
		Expect(afero.WriteFile(fs, "/host.yaml", []byte(withExtra), 0o644)).To(Succeed())

		cfg, err := config.LoadHostConfiguration(fs, "/host.yaml")
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Os.Raw).To(HaveKeyWithValue("some-cloud-init-directive", "value"))
	})

	It("fails when the file does not exist", func() {
		fs := afero.NewMemMapFs()
		_, err := config.LoadHostConfiguration(fs, "/missing.yaml")
		Expect(err).To(HaveOccurred())
	})
})
