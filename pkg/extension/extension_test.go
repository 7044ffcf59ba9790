package extension_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"k8s.io/mount-utils"

	"github.com/rancher-sandbox/hostagent/pkg/extension"
	elementalhttp "github.com/rancher-sandbox/hostagent/pkg/http"
	"github.com/rancher-sandbox/hostagent/pkg/types"
)

func TestExtensionSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Extension subsystem test suite")
}

func testLogger() types.Logger {
	l := types.NewLogger()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

var _ = Describe("Diff", func() {
	sysext := func(id string) types.Extension { return types.Extension{Id: id, Kind: types.ExtensionSysext, URL: "http://x/" + id, Sha384: "a"} }
	confext := func(id string) types.Extension { return types.Extension{Id: id, Kind: types.ExtensionConfext, URL: "http://x/" + id, Sha384: "a"} }

	It("reports additions and removals by (id, kind) pair", func() {
		previous := []types.Extension{sysext("net-tools"), confext("logging")}
		next := []types.Extension{sysext("net-tools"), sysext("debug-tools")}
		added, removed, changed := extension.Diff(previous, next)
		Expect(added).To(HaveLen(1))
		Expect(added[0].Id).To(Equal("debug-tools"))
		Expect(removed).To(HaveLen(1))
		Expect(removed[0].Id).To(Equal("logging"))
		Expect(changed).To(BeEmpty())
	})

	It("treats a sysext and confext sharing an id as distinct", func() {
		previous := []types.Extension{sysext("shared")}
		next := []types.Extension{sysext("shared"), confext("shared")}
		added, removed, changed := extension.Diff(previous, next)
		Expect(added).To(HaveLen(1))
		Expect(added[0].Kind).To(Equal(types.ExtensionConfext))
		Expect(removed).To(BeEmpty())
		Expect(changed).To(BeEmpty())
	})

	It("reports a same (id, kind) pair with a changed URL/SHA384 as changed, not added or removed", func() {
		previous := []types.Extension{sysext("net-tools")}
		upgraded := types.Extension{Id: "net-tools", Kind: types.ExtensionSysext, URL: "http://x/net-tools-v2", Sha384: "b"}
		next := []types.Extension{upgraded}
		added, removed, changed := extension.Diff(previous, next)
		Expect(added).To(BeEmpty())
		Expect(removed).To(BeEmpty())
		Expect(changed).To(HaveLen(1))
		Expect(changed[0]).To(Equal(upgraded))
	})
})

type fakeMounter struct {
	mount.Interface
	mounted map[string]string
}

func (f *fakeMounter) Mount(source, target, fstype string, options []string) error {
	if f.mounted == nil {
		f.mounted = map[string]string{}
	}
	f.mounted[target] = source
	return nil
}
func (f *fakeMounter) Unmount(target string) error {
	delete(f.mounted, target)
	return nil
}

var _ = Describe("Manager.Reconcile", func() {
	It("skips deletions during a clean install even when the previous intent had extensions", func() {
		fs := afero.NewMemMapFs()
		Expect(fs.MkdirAll("/var/lib/extensions", 0o755)).To(Succeed())
		Expect(afero.WriteFile(fs, "/var/lib/extensions/old-ext.raw", []byte("data"), 0o644)).To(Succeed())

		mgr := extension.NewManager(fs, &fakeMounter{}, nil, elementalhttp.NewClient(), testLogger())
		previous := []types.Extension{{Id: "old-ext", Kind: types.ExtensionSysext}}

		Expect(mgr.Reconcile(types.CleanInstall, previous, nil)).To(Succeed())

		exists, err := afero.Exists(fs, "/var/lib/extensions/old-ext.raw")
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeTrue(), "clean install targets a fresh filesystem, nothing to delete from")
	})

	It("is a no-op when next equals previous", func() {
		fs := afero.NewMemMapFs()
		mgr := extension.NewManager(fs, &fakeMounter{}, nil, elementalhttp.NewClient(), testLogger())
		same := []types.Extension{{Id: "net-tools", Kind: types.ExtensionSysext, URL: "http://x/a", Sha384: "a"}}
		Expect(mgr.Reconcile(types.RuntimeUpdate, same, same)).To(Succeed())
	})
})
