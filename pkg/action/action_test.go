package action_test

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/rancher-sandbox/hostagent/pkg/action"
	"github.com/rancher-sandbox/hostagent/pkg/config"
	"github.com/rancher-sandbox/hostagent/pkg/datastore"
	"github.com/rancher-sandbox/hostagent/pkg/types"
)

func TestActionSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Action verb test suite")
}

func testLogger() types.Logger {
	l := types.NewLogger()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

type fakeRunner struct {
	calls [][]string
	err   error
}

func (f *fakeRunner) Run(command string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{command}, args...))
	return nil, f.err
}
func (f *fakeRunner) RunContext(_ context.Context, command string, args ...string) ([]byte, error) {
	return f.Run(command, args...)
}
func (f *fakeRunner) InitCmd(command string, args ...string) *exec.Cmd { return exec.Command(command, args...) }
func (f *fakeRunner) RunCmd(cmd *exec.Cmd) ([]byte, error)             { return nil, f.err }

func testConfig(runner *fakeRunner) *config.Config {
	dir := GinkgoT().TempDir()
	return config.New(
		config.WithFs(afero.NewOsFs()),
		config.WithLogger(testLogger()),
		config.WithRunner(runner),
		config.WithDatastorePath(filepath.Join(dir, "persistent.db")),
		config.WithTemporaryDatastorePath(filepath.Join(dir, "temporary.db")),
	)
}

const minimalHostConfig = `
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

var _ = Describe("OfflineInitialize", func() {
	It("records a Provisioned anchor without realizing any storage", func() {
		cfg := testConfig(&fakeRunner{})
		hostConfigPath := filepath.Join(GinkgoT().TempDir(), "host.yaml")
		Expect(afero.WriteFile(cfg.Fs, hostConfigPath, []byte(minimalHostConfig), 0o644)).To(Succeed())

		Expect(action.OfflineInitialize(cfg, hostConfigPath, types.AbVolumeA)).To(Succeed())

		ds, err := datastore.Open(cfg.DatastorePath)
		Expect(err).NotTo(HaveOccurred())
		defer ds.Close()
		Expect(ds.HostStatus().ServicingState).To(Equal(types.StateProvisioned))
		Expect(ds.HostStatus().AbActiveVolume).To(Equal(types.AbVolumeA))
	})

	It("refuses to run on an already-provisioned host", func() {
		cfg := testConfig(&fakeRunner{})
		hostConfigPath := filepath.Join(GinkgoT().TempDir(), "host.yaml")
		Expect(afero.WriteFile(cfg.Fs, hostConfigPath, []byte(minimalHostConfig), 0o644)).To(Succeed())

		Expect(action.OfflineInitialize(cfg, hostConfigPath, types.AbVolumeA)).To(Succeed())
		Expect(action.OfflineInitialize(cfg, hostConfigPath, types.AbVolumeA)).To(HaveOccurred())
	})
})

var _ = Describe("Validate", func() {
	It("accepts a structurally valid host configuration", func() {
		cfg := testConfig(&fakeRunner{})
		hostConfigPath := filepath.Join(GinkgoT().TempDir(), "host.yaml")
		Expect(afero.WriteFile(cfg.Fs, hostConfigPath, []byte(minimalHostConfig), 0o644)).To(Succeed())

		Expect(action.Validate(cfg, hostConfigPath)).To(Succeed())
	})

	It("rejects a host configuration with a dangling device reference", func() {
		cfg := testConfig(&fakeRunner{})
		hostConfigPath := filepath.Join(GinkgoT().TempDir(), "host.yaml")
		broken := `
filesystems:
  - device-id: does-not-exist
    source:
      kind: new
      new-fs-type: ext4
    mount-point:
      path: /
`
		Expect(afero.WriteFile(cfg.Fs, hostConfigPath, []byte(broken), 0o644)).To(Succeed())

		Expect(action.Validate(cfg, hostConfigPath)).To(HaveOccurred())
	})
})

var _ = Describe("RebuildRaid", func() {
	It("assembles the named array from its recorded member device paths", func() {
		runner := &fakeRunner{}
		cfg := testConfig(runner)

		ds, err := datastore.Open(cfg.DatastorePath)
		Expect(err).NotTo(HaveOccurred())
		_, err = datastore.TryWithHostStatus(ds, func(s *types.HostStatus) (struct{}, error) {
			s.Spec = types.HostConfiguration{
				RaidArrays: []types.RaidArray{
					{Id: "md0", Name: "md0", Level: types.Raid1, Devices: []types.BlockDeviceId{"p1", "p2"}},
				},
			}
			s.PartitionPaths = map[string]string{"p1": "/dev/sda1", "p2": "/dev/sdb1"}
			return struct{}{}, nil
		})
		Expect(err).NotTo(HaveOccurred())
		ds.Close()

		Expect(action.RebuildRaid(cfg, "md0")).To(Succeed())
		Expect(runner.calls).To(HaveLen(1))
		Expect(runner.calls[0]).To(ContainElements("mdadm", "--create", "/dev/md/md0", "/dev/sda1", "/dev/sdb1"))
	})

	It("fails when no array with that name is in the current host configuration", func() {
		cfg := testConfig(&fakeRunner{})
		ds, err := datastore.Open(cfg.DatastorePath)
		Expect(err).NotTo(HaveOccurred())
		ds.Close()

		Expect(action.RebuildRaid(cfg, "missing")).To(HaveOccurred())
	})
})
