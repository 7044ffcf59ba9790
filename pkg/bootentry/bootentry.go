// Package bootentry manages UEFI boot entries for the inactive A/B volume
// and reconciles the boot order after a reboot (C6).
//
// Grounded on original_source/src/modules/bootentries.rs: set_boot_next
// creates (or replaces) the boot entry for the volume about to become
// active and points BootNext at it; update_efi_boot_order/set_boot_order
// run after a reboot to promote BootCurrent to the front of BootOrder
// once a boot from the updated volume is confirmed. Under QEMU,
// set_boot_next creates the entry and sets BootNext but does not append the
// entry to BootOrder.
//
// Reads of the current boot configuration go through
// github.com/canonical/go-efilib against the real UEFI variable store;
// entry creation and boot-order/next mutations shell out to the
// efibootmgr CLI, since constructing a well-formed EFI_LOAD_OPTION byte
// stream by hand is exactly the kind of job efibootmgr already does
// correctly, and the CLI also degrades gracefully on systems (e.g. QEMU
// without OVMF's efivarfs) where direct variable writes fail.
package bootentry

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	efi "github.com/canonical/go-efilib"

	elementalError "github.com/rancher-sandbox/hostagent/pkg/error"
	"github.com/rancher-sandbox/hostagent/pkg/types"
)

const bootloaderRelativePath = "bootx64.efi"

// Entry is one parsed Boot#### UEFI variable.
type Entry struct {
	Number string
	Label  string
}

// Snapshot is the full boot-manager state read from firmware.
type Snapshot struct {
	BootNext    string
	BootCurrent string
	BootOrder   []string
	Entries     []Entry
}

// EntryNumbersWithLabel returns every Boot#### number whose label matches.
func (s Snapshot) EntryNumbersWithLabel(label string) []string {
	var out []string
	for _, e := range s.Entries {
		if e.Label == label {
			out = append(out, e.Number)
		}
	}
	return out
}

// Manager abstracts reading and mutating the firmware boot configuration,
// so the reconciliation logic can be tested without real UEFI variables.
type Manager interface {
	Snapshot() (Snapshot, error)
	CreateEntry(label, diskPath, loaderRelativePath, espMountPoint string) (number string, err error)
	DeleteEntry(number string) error
	SetBootOrder(order []string) error
	SetBootNext(number string) error
}

// NewManager returns the production boot-entry manager.
func NewManager(runner types.Runner) Manager {
	return &cliManager{runner: runner}
}

func readSnapshot() (Snapshot, error) {
	snap := Snapshot{}

	order, _, err := efi.ReadVariable("BootOrder", efi.GlobalVariable)
	if err == nil {
		snap.BootOrder = decodeUint16Hex(order)
	}

	next, _, err := efi.ReadVariable("BootNext", efi.GlobalVariable)
	if err == nil && len(next) > 0 {
		snap.BootNext = decodeUint16Hex(next)[0]
	}

	current, _, err := efi.ReadVariable("BootCurrent", efi.GlobalVariable)
	if err == nil && len(current) > 0 {
		snap.BootCurrent = decodeUint16Hex(current)[0]
	}

	for _, number := range snap.BootOrder {
		varName := fmt.Sprintf("Boot%s", number)
		data, _, err := efi.ReadVariable(varName, efi.GlobalVariable)
		if err != nil {
			continue
		}
		opt, err := efi.ReadLoadOption(bytes.NewReader(data))
		if err != nil {
			continue
		}
		snap.Entries = append(snap.Entries, Entry{Number: number, Label: opt.Description})
	}

	return snap, nil
}

// decodeUint16Hex renders a UEFI variable payload of packed uint16 boot
// numbers as zero-padded four-hex-digit strings ("0001", "000A", ...).
func decodeUint16Hex(data []byte) []string {
	out := make([]string, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		v := uint16(data[i]) | uint16(data[i+1])<<8
		out = append(out, fmt.Sprintf("%04X", v))
	}
	return out
}

// EspDirName returns the ESP /EFI directory name for the volume a new
// boot entry should target: volume A for a clean install (no active
// volume recorded yet), otherwise the inactive side of the A/B pair.
func EspDirName(status types.HostStatus) (string, error) {
	if status.ServicingType == "" {
		return "", elementalError.New("host status has no servicing type, cannot determine install id", elementalError.InvalidConfiguration)
	}
	names := espDirNames(status.InstallIndex)
	if status.ServicingType == types.CleanInstall {
		return names[0], nil
	}
	target := other(status.AbActiveVolume)
	if target == types.AbVolumeB {
		return names[1], nil
	}
	return names[0], nil
}

func other(v types.AbVolume) types.AbVolume {
	if v == types.AbVolumeB {
		return types.AbVolumeA
	}
	return types.AbVolumeB
}

// espDirNames mirrors pkg/abslot.EspDirNames without importing it, to keep
// this package's firmware-facing concerns independent of storage layout
// concerns; both are grounded on the same original naming scheme.
func espDirNames(index int) [2]string {
	suffix := ""
	if index > 0 {
		suffix = fmt.Sprintf("%d", index+1)
	}
	return [2]string{"AZL" + suffix + "A", "AZL" + suffix + "B"}
}

// LabelAndPath returns the boot entry label and the EFI loader path (under
// the ESP's /EFI/<install-id>/) for the target volume.
func LabelAndPath(status types.HostStatus) (label string, loaderPath string, err error) {
	dirName, err := EspDirName(status)
	if err != nil {
		return "", "", elementalError.WrapServicing(err, elementalError.BootEntryOperation, "failed to determine install id")
	}
	return dirName, filepath.Join("/EFI", dirName, bootloaderRelativePath), nil
}

// SetBootNext creates (or replaces) the boot entry for the target volume
// on espMountPoint's disk and points BootNext at it. It appends the new
// entry to the end of BootOrder, except under QEMU, where the append is
// skipped; removing a replaced entry from BootOrder happens in both cases.
func SetBootNext(mgr Manager, status types.HostStatus, diskPath, espMountPoint string, isQemu bool) (string, error) {
	label, loaderPath, err := LabelAndPath(status)
	if err != nil {
		return "", err
	}

	snap, err := mgr.Snapshot()
	if err != nil {
		return "", elementalError.WrapServicing(err, elementalError.BootEntryOperation, "failed to list boot entries")
	}

	if existing := snap.EntryNumbersWithLabel(label); len(existing) > 0 {
		for _, number := range existing {
			if err := mgr.DeleteEntry(number); err != nil {
				return "", elementalError.WrapServicing(err, elementalError.BootEntryOperation, "failed to delete stale boot entry")
			}
		}
		existingSet := map[string]bool{}
		for _, n := range existing {
			existingSet[n] = true
		}
		var newOrder []string
		for _, n := range snap.BootOrder {
			if !existingSet[n] {
				newOrder = append(newOrder, n)
			}
		}
		if len(newOrder) != len(snap.BootOrder) {
			if err := mgr.SetBootOrder(newOrder); err != nil {
				return "", elementalError.WrapServicing(err, elementalError.BootEntryOperation, "failed to remove stale entry from boot order")
			}
			snap.BootOrder = newOrder
		}
	}

	number, err := mgr.CreateEntry(label, diskPath, loaderPath, espMountPoint)
	if err != nil {
		return "", elementalError.WrapServicing(err, elementalError.BootEntryOperation, fmt.Sprintf("failed to add boot entry %q", label))
	}

	if !isQemu {
		if err := mgr.SetBootOrder(append(snap.BootOrder, number)); err != nil {
			return "", elementalError.WrapServicing(err, elementalError.BootEntryOperation, "failed to append new entry to boot order")
		}
	}

	if err := mgr.SetBootNext(number); err != nil {
		return "", elementalError.WrapServicing(err, elementalError.BootEntryOperation, "failed to set BootNext")
	}

	return number, nil
}

// UpdateEfiBootOrder decides whether the boot order should be rewritten
// after reboot and whether HostStatus.BootNext should be cleared, purely
// from the recorded BootNext value and the current firmware snapshot.
func UpdateEfiBootOrder(hostBootNext string, snap Snapshot) (newBootOrder *string, clearBootNext bool) {
	if hostBootNext == "" {
		return nil, false
	}
	if snap.BootNext != "" {
		// The firmware has not consumed BootNext yet: this run happened
		// before the reboot into the updated partition.
		return nil, false
	}
	if snap.BootCurrent != hostBootNext {
		return nil, true
	}

	order := append([]string(nil), snap.BootOrder...)
	for i, n := range order {
		if n == snap.BootCurrent {
			if i == 0 {
				return nil, true
			}
			order = append(order[:i], order[i+1:]...)
			order = append([]string{snap.BootCurrent}, order...)
			joined := strings.Join(order, ",")
			return &joined, true
		}
	}
	order = append([]string{snap.BootCurrent}, order...)
	joined := strings.Join(order, ",")
	return &joined, true
}
