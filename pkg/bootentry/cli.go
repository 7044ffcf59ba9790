package bootentry

import (
	"strings"

	elementalError "github.com/rancher-sandbox/hostagent/pkg/error"
	"github.com/rancher-sandbox/hostagent/pkg/types"
)

// cliManager reads firmware state via go-efilib and performs mutations by
// shelling out to the efibootmgr CLI.
type cliManager struct {
	runner types.Runner
}

func (m *cliManager) Snapshot() (Snapshot, error) {
	return readSnapshot()
}

func (m *cliManager) CreateEntry(label, diskPath, loaderRelativePath, espMountPoint string) (string, error) {
	before, err := m.Snapshot()
	if err != nil {
		return "", err
	}
	args := []string{
		"--create",
		"--disk", diskPath,
		"--part", "1",
		"--label", label,
		"--loader", loaderRelativePath,
	}
	if _, err := m.runner.Run("efibootmgr", args...); err != nil {
		return "", elementalError.WrapEnvironment(err, "efibootmgr --create failed")
	}
	after, err := m.Snapshot()
	if err != nil {
		return "", err
	}
	beforeNumbers := map[string]bool{}
	for _, e := range before.Entries {
		beforeNumbers[e.Number] = true
	}
	for _, e := range after.Entries {
		if e.Label == label && !beforeNumbers[e.Number] {
			return e.Number, nil
		}
	}
	for _, n := range after.EntryNumbersWithLabel(label) {
		return n, nil
	}
	return "", elementalError.New("efibootmgr did not report the new entry's boot number", elementalError.BootEntryOperation)
}

func (m *cliManager) DeleteEntry(number string) error {
	if _, err := m.runner.Run("efibootmgr", "--bootnum", number, "--delete-bootnum"); err != nil {
		return elementalError.WrapEnvironment(err, "efibootmgr --delete-bootnum failed")
	}
	return nil
}

func (m *cliManager) SetBootOrder(order []string) error {
	if _, err := m.runner.Run("efibootmgr", "--bootorder", strings.Join(order, ",")); err != nil {
		return elementalError.WrapEnvironment(err, "efibootmgr --bootorder failed")
	}
	return nil
}

func (m *cliManager) SetBootNext(number string) error {
	if _, err := m.runner.Run("efibootmgr", "--bootnext", number); err != nil {
		return elementalError.WrapEnvironment(err, "efibootmgr --bootnext failed")
	}
	return nil
}
