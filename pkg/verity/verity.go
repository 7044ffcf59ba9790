// Package verity rewrites the boot partition's GRUB kernel command line so
// the initrd activates dm-verity over the root filesystem and mounts a
// writable overlay on top of it (C7).
//
// Grounded on the teacher's pkg/utils/grub.go, which already reads a
// grub.cfg through afero.Fs, edits it with plain string surgery (its
// console=tty1 rewrite), and writes the result back; this package
// generalizes that same read-edit-write shape to five verity/overlay
// kernel arguments instead of a console= substitution. Locating the
// overlay-backing device reuses the k8s.io/mount-utils Mounter the rest
// of the module already depends on for filesystem placement, rather than
// parsing /proc/mounts by hand.
package verity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/afero"
	"k8s.io/mount-utils"

	elementalError "github.com/rancher-sandbox/hostagent/pkg/error"
	"github.com/rancher-sandbox/hostagent/pkg/types"
)

const (
	overlayMountPoint = "/var/lib/trident-overlay"
	overlayLower      = "etc"
	overlayUpper      = "etc/upper"
	overlayWork       = "etc/work"
)

var linuxLineRegexp = regexp.MustCompile(`(?m)^(\s*linux\s+\S+\s+)(.*)$`)

// Rewriter edits a GRUB configuration's kernel command line in place.
type Rewriter struct {
	fs      afero.Fs
	mounter mount.Interface
}

func NewRewriter(fs afero.Fs, mounter mount.Interface) *Rewriter {
	return &Rewriter{fs: fs, mounter: mounter}
}

// RewriteGrubConfig loads grubCfgPath, rewrites its single "linux" line to
// carry the verity and overlay arguments for dataPath/hashPath, and writes
// the result back. Returns an error if the file has no "linux" line or has
// more than one.
func (r *Rewriter) RewriteGrubConfig(grubCfgPath, dataPath, hashPath string) error {
	overlayDevice, err := r.overlayBackingDevice()
	if err != nil {
		return err
	}

	contents, err := afero.ReadFile(r.fs, grubCfgPath)
	if err != nil {
		return elementalError.WrapEnvironment(err, fmt.Sprintf("failed to read GRUB config %q", grubCfgPath))
	}

	rewritten, err := rewriteCmdline(string(contents), map[string]string{
		"systemd.verity_root_data":       dataPath,
		"systemd.verity_root_hash":       hashPath,
		"rd.overlayfs":                   strings.Join([]string{overlayLower, overlayUpper, overlayWork}, ","),
		"rd.overlayfs_persistent_volume": overlayDevice,
		"rd.systemd.verity":              "1",
	})
	if err != nil {
		return elementalError.Wrap(err, elementalError.KindServicing, elementalError.GrubConfigOperation,
			fmt.Sprintf("failed to rewrite kernel command line in %q", grubCfgPath))
	}

	if err := afero.WriteFile(r.fs, grubCfgPath, []byte(rewritten), 0o644); err != nil {
		return elementalError.WrapEnvironment(err, fmt.Sprintf("failed to write GRUB config %q", grubCfgPath))
	}
	return nil
}

// overlayBackingDevice resolves the block device currently mounted at
// overlayMountPoint, the partition the overlay's upper/work dirs live on.
func (r *Rewriter) overlayBackingDevice() (string, error) {
	points, err := r.mounter.List()
	if err != nil {
		return "", elementalError.WrapEnvironment(err, "failed to list mounted filesystems")
	}
	for _, p := range points {
		if p.Path == overlayMountPoint {
			return p.Device, nil
		}
	}
	return "", elementalError.New(
		fmt.Sprintf("no filesystem mounted at %q, cannot resolve overlay-backing device", overlayMountPoint),
		elementalError.GrubConfigOperation)
}

// rewriteCmdline finds the grub.cfg's single "linux ..." line and
// sets/replaces each key in args on its argument list, preserving every
// other argument's position.
func rewriteCmdline(contents string, args map[string]string) (string, error) {
	matches := linuxLineRegexp.FindAllStringSubmatchIndex(contents, -1)
	if len(matches) == 0 {
		return "", fmt.Errorf("no linux command line found")
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("expected exactly one linux command line, found %d", len(matches))
	}

	m := matches[0]
	prefix := contents[m[2]:m[3]]
	cmdline := contents[m[4]:m[5]]

	newCmdline := setKernelArgs(cmdline, args)

	return contents[:m[2]] + prefix + newCmdline + contents[m[5]:], nil
}

// setKernelArgs replaces or appends each key=value pair in args within a
// space-separated kernel command line, leaving unrelated arguments and
// their relative order untouched.
func setKernelArgs(cmdline string, args map[string]string) string {
	fields := strings.Fields(cmdline)
	seen := map[string]bool{}
	for i, field := range fields {
		key := field
		if idx := strings.IndexByte(field, '='); idx >= 0 {
			key = field[:idx]
		}
		if value, ok := args[key]; ok {
			fields[i] = key + "=" + value
			seen[key] = true
		}
	}
	for key, value := range args {
		if !seen[key] {
			fields = append(fields, key+"="+value)
		}
	}
	return strings.Join(fields, " ")
}

// CheckConsistency verifies rd.systemd.verity is truthy on the boot
// partition's kernel command line iff the host configuration declares a
// verity block; a mismatch between intent and what was actually written to
// disk is always a fatal configuration error, never silently corrected.
func CheckConsistency(fs afero.Fs, grubCfgPath string, config types.HostConfiguration) error {
	contents, err := afero.ReadFile(fs, grubCfgPath)
	if err != nil {
		return elementalError.WrapEnvironment(err, fmt.Sprintf("failed to read GRUB config %q", grubCfgPath))
	}

	matches := linuxLineRegexp.FindStringSubmatch(string(contents))
	wantVerity := len(config.Verity) > 0
	hasVerity := false
	if len(matches) == 3 {
		for _, field := range strings.Fields(matches[2]) {
			if field == "rd.systemd.verity=1" || field == "rd.systemd.verity=yes" {
				hasVerity = true
			}
		}
	}

	if hasVerity != wantVerity {
		return elementalError.New(
			fmt.Sprintf("rd.systemd.verity=%v on boot partition does not match host configuration's verity declaration (%v)", hasVerity, wantVerity),
			elementalError.GrubConfigOperation)
	}
	return nil
}
