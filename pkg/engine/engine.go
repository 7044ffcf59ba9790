// Package engine is the servicing driver (C10): it ties the graph builder
// (C1), storage realizer (C2), servicing state machine (C3), rollback
// history (C4), A/B slot selector (C5), boot-entry manager (C6), verity/
// overlay rewriter (C7), extension subsystem (C8), and persistent datastore
// (C9) into the single fixed topological sequence one servicing call drives.
//
// Grounded on the teacher's pkg/action package, generalized from three
// independent command structs (install/upgrade/reset, each a thin wrapper
// around one elemental.go capability plus hook dispatch) into one driver
// that consumes the servicing package's phase table, since this domain's
// six servicing kinds share far more orchestration logic than the
// teacher's three commands did.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/spf13/afero"

	"github.com/rancher-sandbox/hostagent/pkg/abslot"
	"github.com/rancher-sandbox/hostagent/pkg/blockdevice"
	"github.com/rancher-sandbox/hostagent/pkg/bootentry"
	"github.com/rancher-sandbox/hostagent/pkg/config"
	"github.com/rancher-sandbox/hostagent/pkg/datastore"
	elementalError "github.com/rancher-sandbox/hostagent/pkg/error"
	"github.com/rancher-sandbox/hostagent/pkg/extension"
	elementalhttp "github.com/rancher-sandbox/hostagent/pkg/http"
	"github.com/rancher-sandbox/hostagent/pkg/rollback"
	"github.com/rancher-sandbox/hostagent/pkg/servicing"
	"github.com/rancher-sandbox/hostagent/pkg/storage"
	"github.com/rancher-sandbox/hostagent/pkg/types"
	"github.com/rancher-sandbox/hostagent/pkg/verity"
)

const espImageStagingDir = "/var/lib/hostagent/.esp-staging"

// Engine holds the production instance of every subsystem collaborator,
// constructed once from Config exactly as the teacher's action structs all
// take their dependencies from one RunConfig rather than building their own.
type Engine struct {
	cfg      *config.Config
	realizer *storage.Realizer
	bootMgr  bootentry.Manager
	extMgr   *extension.Manager
	rewriter *verity.Rewriter
}

func New(cfg *config.Config) *Engine {
	client := elementalhttp.NewClient()
	return &Engine{
		cfg:      cfg,
		realizer: storage.NewRealizer(cfg.Runner, cfg.Logger),
		bootMgr:  bootentry.NewManager(cfg.Runner),
		extMgr:   extension.NewManager(cfg.Fs, cfg.Mounter, cfg.Runner, client, cfg.Logger),
		rewriter: verity.NewRewriter(cfg.Fs, cfg.Mounter),
	}
}

// ReconcileBoot runs the post-reboot boot-validation step (§4.3) before any
// new servicing request is considered: it reads the firmware's BootCurrent,
// reorders the boot entries once a matching boot is confirmed, promotes a
// matching *Finalized state to Provisioned, demotes a mismatched A/B update
// to AbUpdateHealthCheckFailed, and triggers an automatic rollback when that
// happens. It is a no-op whenever no boot is pending validation, and while
// the firmware's BootNext is still set (the reboot has not happened yet).
func (e *Engine) ReconcileBoot(ds *datastore.DataStore) error {
	status := ds.HostStatus()
	if status.BootNext == "" {
		return nil
	}

	snap, err := e.bootMgr.Snapshot()
	if err != nil {
		return elementalError.WrapServicing(err, elementalError.EfiVariableOperation, "failed to read firmware boot state")
	}
	if snap.BootNext != "" {
		// The firmware has not consumed BootNext: there is no boot outcome
		// to validate yet.
		return nil
	}

	newOrder, clearBootNext := bootentry.UpdateEfiBootOrder(status.BootNext, snap)
	if newOrder != nil {
		if err := e.bootMgr.SetBootOrder(strings.Split(*newOrder, ",")); err != nil {
			return elementalError.WrapServicing(err, elementalError.BootEntryOperation, "failed to reorder boot entries after reboot")
		}
	}

	needsRollback := false
	_, err = datastore.TryWithHostStatus(ds, func(s *types.HostStatus) (struct{}, error) {
		newState, vErr := servicing.ValidateBoot(*s, snap.BootCurrent)
		if vErr != nil {
			return struct{}{}, vErr
		}
		if newState == types.StateAbUpdateHealthCheckFailed {
			needsRollback = true
		}
		s.ServicingState = newState
		if clearBootNext {
			s.BootNext = ""
		}
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}

	if needsRollback {
		return e.autoRollback(ds)
	}
	return nil
}

// autoRollback implements §7's "a rollback-eligible error at finalization
// triggers the auto-rollback path": it reconstructs the chain from history
// and restores the nearest available A/B target's spec. The firmware has
// already booted the prior volume by the time this runs (that mismatch is
// exactly what triggered the health-check failure), so no further boot
// entry mutation is required — only the datastore's record of the active
// spec needs to catch up with reality.
func (e *Engine) autoRollback(ds *datastore.DataStore) error {
	history, err := ds.History()
	if err != nil {
		return err
	}
	// The newest record is the AbUpdateHealthCheckFailed one ReconcileBoot
	// just wrote, and NewContext only builds a chain under a Provisioned
	// head; present that record as Provisioned so the failed A/B update is
	// the chain's first operation.
	if len(history) > 0 && history[0] != nil {
		head := *history[0]
		head.ServicingState = types.StateProvisioned
		history = append([]*types.HostStatus{&head}, history[1:]...)
	}
	ctx, err := rollback.NewContext(history)
	if err != nil {
		return elementalError.WrapServicing(err, elementalError.RollbackChainBuild, "failed to reconstruct rollback chain for automatic rollback")
	}
	target, err := ctx.RequestedRollback(rollback.RollbackAvailableAb)
	if err != nil {
		return elementalError.WrapServicing(err, elementalError.NoRollbackAvailable, "no automatic rollback target available")
	}
	if target == nil {
		return elementalError.New("boot validation failed and no automatic rollback target is available", elementalError.NoRollbackAvailable)
	}

	_, err = datastore.TryWithHostStatus(ds, func(s *types.HostStatus) (struct{}, error) {
		s.SpecOld = s.Spec
		s.Spec = target.Spec
		s.AbActiveVolume = target.AbActiveVolume
		s.InstallIndex = target.InstallIndex
		s.ServicingState = types.StateProvisioned
		s.ServicingType = types.NoActiveServicing
		s.BootNext = ""
		return struct{}{}, nil
	})
	return err
}

// Reconcile is the driver's entry point for a newly submitted intent: it
// classifies the request, validates and realizes the block-device graph
// when storage is involved, shuts down conflicting pre-existing devices,
// runs the operation's phases, and persists every resulting state
// transition, matching §5's rule that every observable side effect is
// preceded by a host-status write.
func (e *Engine) Reconcile(ds *datastore.DataStore, newIntent types.HostConfiguration) (types.ServicingType, error) {
	oldStatus := ds.HostStatus()

	kind, err := servicing.DecideKind(ds.IsPersistent(), oldStatus, newIntent)
	if err != nil {
		return "", elementalError.WrapInvalidConfiguration(err, "failed to classify servicing request")
	}
	if kind == types.NoActiveServicing {
		return kind, nil
	}

	var graph *blockdevice.Graph
	if kind == types.CleanInstall || kind == types.AbUpdate {
		graph, err = blockdevice.NewBuilder(newIntent).Build()
		if err != nil {
			return "", elementalError.Wrap(err, elementalError.KindInvalidConfiguration, elementalError.BlockDeviceGraphBuild, "block device graph validation failed")
		}
		if err := e.shutdownPreExistingDevices(oldStatus, newIntent); err != nil {
			return "", err
		}
	}

	stagedState, err := servicing.StagedState(kind)
	if err != nil {
		return "", elementalError.New(fmt.Sprintf("servicing kind %q has no staged state", kind), elementalError.Unknown)
	}

	_, err = datastore.TryWithHostStatus(ds, func(s *types.HostStatus) (struct{}, error) {
		s.SpecOld = s.Spec
		s.Spec = newIntent
		s.ServicingType = kind
		s.ServicingState = stagedState
		s.LastError = ""
		s.AgentVersion = e.cfg.AgentVersion
		return struct{}{}, nil
	})
	if err != nil {
		return kind, err
	}

	runErr := servicing.Run(kind, e.phasesFor(kind, ds, graph, oldStatus, newIntent))
	if runErr != nil {
		_, _ = datastore.TryWithHostStatus(ds, func(s *types.HostStatus) (struct{}, error) {
			s.LastError = runErr.Error()
			return struct{}{}, nil
		})
		return kind, runErr
	}

	finalizedState, err := servicing.FinalizedState(stagedState)
	if err != nil {
		return kind, elementalError.New(fmt.Sprintf("staged state %q has no finalized successor", stagedState), elementalError.Unknown)
	}

	_, err = datastore.TryWithHostStatus(ds, func(s *types.HostStatus) (struct{}, error) {
		s.ServicingState = finalizedState
		if kind == types.RuntimeUpdate {
			// Runtime updates mutate the live OS directly; there is no
			// reboot to validate, so promote immediately.
			s.ServicingState = types.StateProvisioned
		}
		return struct{}{}, nil
	})
	return kind, err
}

// ManualRollback implements the operator-requested `rollback` verb: it
// resolves the requested target out of the reconstructed chain, then drives
// it through the same phase machinery as any other servicing operation
// using ManualRollbackAb/ManualRollbackRuntime in place of the decision
// function's own output.
func (e *Engine) ManualRollback(ds *datastore.DataStore, request rollback.RequestKind) (types.ServicingType, error) {
	history, err := ds.History()
	if err != nil {
		return "", err
	}
	ctx, err := rollback.NewContext(history)
	if err != nil {
		return "", elementalError.WrapServicing(err, elementalError.RollbackChainBuild, "failed to reconstruct rollback chain")
	}
	target, err := ctx.RequestedRollback(request)
	if err != nil {
		return "", elementalError.WrapServicing(err, elementalError.NoRollbackAvailable, "no rollback target satisfies the request")
	}
	if target == nil {
		return "", elementalError.New("no rollback is available", elementalError.NoRollbackAvailable)
	}

	kind := types.ManualRollbackRuntime
	if target.Kind == rollback.KindAb {
		kind = types.ManualRollbackAb
	}

	oldStatus := ds.HostStatus()
	stagedState, err := servicing.StagedState(kind)
	if err != nil {
		return "", elementalError.New(fmt.Sprintf("rollback kind %q has no staged state", kind), elementalError.Unknown)
	}

	_, err = datastore.TryWithHostStatus(ds, func(s *types.HostStatus) (struct{}, error) {
		s.SpecOld = s.Spec
		s.Spec = target.Spec
		s.ServicingType = kind
		s.ServicingState = stagedState
		s.AbActiveVolume = target.AbActiveVolume
		s.InstallIndex = target.InstallIndex
		s.LastError = ""
		s.AgentVersion = e.cfg.AgentVersion
		return struct{}{}, nil
	})
	if err != nil {
		return kind, err
	}

	runErr := servicing.Run(kind, e.phasesFor(kind, ds, nil, oldStatus, target.Spec))
	if runErr != nil {
		_, _ = datastore.TryWithHostStatus(ds, func(s *types.HostStatus) (struct{}, error) {
			s.LastError = runErr.Error()
			return struct{}{}, nil
		})
		return kind, runErr
	}

	finalizedState, err := servicing.FinalizedState(stagedState)
	if err != nil {
		return kind, elementalError.New(fmt.Sprintf("staged state %q has no finalized successor", stagedState), elementalError.Unknown)
	}
	_, err = datastore.TryWithHostStatus(ds, func(s *types.HostStatus) (struct{}, error) {
		s.ServicingState = finalizedState
		if kind == types.ManualRollbackRuntime {
			s.ServicingState = types.StateProvisioned
		}
		return struct{}{}, nil
	})
	return kind, err
}

// phasesFor builds the servicing.Phases table for one operation. oldStatus
// is the host status as it stood before this operation was staged, needed
// by the extension diff, which otherwise could not tell added from kept.
func (e *Engine) phasesFor(kind types.ServicingType, ds *datastore.DataStore, graph *blockdevice.Graph, oldStatus types.HostStatus, newIntent types.HostConfiguration) servicing.Phases {
	return servicing.Phases{
		PreServicing: func() error {
			return e.cfg.CloudInitRunner.Run("pre_servicing")
		},
		Provision: func() error {
			if err := e.realizeGraph(ds, graph, newIntent); err != nil {
				return err
			}
			return e.extMgr.Reconcile(kind, oldStatus.Spec.Os.Extensions, newIntent.Os.Extensions)
		},
		Configure: func() error {
			if kind == types.RuntimeUpdate || kind == types.ManualRollbackRuntime {
				return e.extMgr.Reconcile(kind, oldStatus.Spec.Os.Extensions, newIntent.Os.Extensions)
			}
			return e.cfg.CloudInitRunner.Run("configure")
		},
		UpdateHostConfiguration: func() error {
			switch kind {
			case types.CleanInstall, types.AbUpdate, types.ManualRollbackAb:
				return e.stageBootEntry(ds, newIntent)
			default:
				return nil
			}
		},
		CleanUp: func() error {
			return e.cfg.Fs.RemoveAll(espImageStagingDir)
		},
	}
}

// shutdownPreExistingDevices implements §4.2's pre-existing-device check
// against the previously persisted intent rather than live block-device
// topology probing: any RAID/LUKS/verity device still active is one this
// agent itself created from oldStatus.Spec, so its backing disks are
// exactly oldStatus.Spec.Disks. If every one of those disks is still named
// by the new intent, the prior devices are torn down to make way for
// reprovisioning; otherwise the request is refused, since disks outside the
// new intent's scope must never be touched blindly.
func (e *Engine) shutdownPreExistingDevices(oldStatus types.HostStatus, newIntent types.HostConfiguration) error {
	if len(oldStatus.Spec.Disks) == 0 {
		return nil
	}

	newDiskDevices := map[string]bool{}
	for _, d := range newIntent.Disks {
		newDiskDevices[d.Device] = true
	}
	for _, d := range oldStatus.Spec.Disks {
		if !newDiskDevices[d.Device] {
			return elementalError.New(
				fmt.Sprintf("disk %q carries devices from a prior install but is not named by the new host configuration", d.Device),
				elementalError.InvalidConfiguration)
		}
	}

	var verityNames, luksNames, raidDevices []string
	for _, v := range oldStatus.Spec.Verity {
		verityNames = append(verityNames, v.Name)
	}
	if oldStatus.Spec.Encryption != nil {
		for _, vol := range oldStatus.Spec.Encryption.Volumes {
			luksNames = append(luksNames, vol.DeviceName)
		}
	}
	for _, arr := range oldStatus.Spec.RaidArrays {
		raidDevices = append(raidDevices, "/dev/md/"+arr.Name)
	}

	return e.realizer.DeactivateDevices(verityNames, luksNames, raidDevices)
}

// realizeGraph drives the validated graph through the storage realizer in
// the fixed topological order the realizer's own layering requires: disks
// before partitions, partitions before RAID/encryption/verity, and every
// node before the filesystems attached to it. A node is only realized once
// every device id it targets already has a resolved path, so the loop
// below is a straightforward fixed-point over the graph's dependency edges.
func (e *Engine) realizeGraph(ds *datastore.DataStore, graph *blockdevice.Graph, cfg types.HostConfiguration) error {
	if graph == nil {
		return nil
	}

	devicePaths := map[types.BlockDeviceId]string{}

	for _, disk := range cfg.Disks {
		paths, err := e.realizer.PartitionDisk(disk)
		if err != nil {
			return err
		}
		for id, path := range paths {
			devicePaths[id] = path
		}
	}

	pending := map[types.BlockDeviceId]*blockdevice.Node{}
	for id, node := range graph.Nodes {
		switch node.Kind {
		case blockdevice.KindRaidArray, blockdevice.KindEncryptedVolume, blockdevice.KindVerityDevice:
			pending[id] = node
		}
	}

	var recoveryKey []byte
	for _, node := range pending {
		if node.Kind != blockdevice.KindEncryptedVolume {
			continue
		}
		key, err := e.fetchRecoveryKey(cfg)
		if err != nil {
			return err
		}
		recoveryKey = key
		break
	}

	for len(pending) > 0 {
		progressed := false
		for id, node := range pending {
			targets := make([]string, 0, len(node.Targets))
			ready := true
			for _, t := range node.Targets {
				path, ok := devicePaths[t]
				if !ok {
					ready = false
					break
				}
				targets = append(targets, path)
			}
			if !ready {
				continue
			}

			var resolved string
			var err error
			switch node.Kind {
			case blockdevice.KindRaidArray:
				array, ok := findRaidArray(cfg, id)
				if !ok {
					return elementalError.New(fmt.Sprintf("raid array %q missing from host configuration", id), elementalError.Unknown)
				}
				resolved, err = e.realizer.AssembleRaid(array, targets)
			case blockdevice.KindEncryptedVolume:
				vol, ok := findEncryptedVolume(cfg, id)
				if !ok {
					return elementalError.New(fmt.Sprintf("encrypted volume %q missing from host configuration", id), elementalError.Unknown)
				}
				volumeKey, keyErr := storage.DeriveVolumeKey(recoveryKey, id)
				if keyErr != nil {
					return elementalError.WrapInternal(keyErr, fmt.Sprintf("failed to derive LUKS key for volume %q", id))
				}
				resolved, err = e.realizer.SetupEncryption(vol, targets[0], volumeKey)
			case blockdevice.KindVerityDevice:
				dev, ok := findVerityDevice(cfg, id)
				if !ok {
					return elementalError.New(fmt.Sprintf("verity device %q missing from host configuration", id), elementalError.Unknown)
				}
				resolved, err = e.realizer.SetupVerity(dev, targets[0], targets[1])
			}
			if err != nil {
				return err
			}
			devicePaths[id] = resolved
			delete(pending, id)
			progressed = true
		}
		if !progressed {
			return elementalError.New("block device graph realization stalled on an unresolved dependency", elementalError.Unknown)
		}
	}

	status := ds.HostStatus()
	for id, node := range graph.Nodes {
		if node.Filesystem == nil {
			continue
		}
		devicePath, ok := devicePaths[id]
		if !ok {
			continue
		}
		if err := e.placeFilesystem(*node.Filesystem, devicePath, status, cfg, devicePaths); err != nil {
			return err
		}
	}
	for _, fs := range graph.DevicelessFilesystems {
		if err := e.placeFilesystem(fs, "", status, cfg, devicePaths); err != nil {
			return err
		}
	}

	_, err := datastore.TryWithHostStatus(ds, func(s *types.HostStatus) (struct{}, error) {
		for id, path := range devicePaths {
			s.PartitionPaths[id] = path
		}
		return struct{}{}, nil
	})
	return err
}

func findRaidArray(cfg types.HostConfiguration, id types.BlockDeviceId) (types.RaidArray, bool) {
	for _, a := range cfg.RaidArrays {
		if a.Id == id {
			return a, true
		}
	}
	return types.RaidArray{}, false
}

func findEncryptedVolume(cfg types.HostConfiguration, id types.BlockDeviceId) (types.EncryptedVolume, bool) {
	if cfg.Encryption == nil {
		return types.EncryptedVolume{}, false
	}
	for _, v := range cfg.Encryption.Volumes {
		if v.Id == id {
			return v, true
		}
	}
	return types.EncryptedVolume{}, false
}

func findVerityDevice(cfg types.HostConfiguration, id types.BlockDeviceId) (types.VerityDevice, bool) {
	for _, v := range cfg.Verity {
		if v.Id == id {
			return v, true
		}
	}
	return types.VerityDevice{}, false
}

// placeFilesystem dispatches a filesystem's population strategy per §4.2:
// New formats in place, Image streams a verified payload directly onto the
// device, EspImage additionally mounts the result to copy loader files into
// the install-index-named ESP directory, and Adopted/Tmpfs need no action
// here (Adopted is pre-populated, Tmpfs has no backing device at all).
func (e *Engine) placeFilesystem(fs blockdevice.AttachedFilesystem, devicePath string, status types.HostStatus, cfg types.HostConfiguration, devicePaths map[types.BlockDeviceId]string) error {
	switch fs.Source.Kind {
	case types.SourceNew:
		return e.realizer.PlaceFilesystem(devicePath, fs.Source.NewFsType, "")
	case types.SourceImage:
		return e.placeImage(devicePath, fs.Source)
	case types.SourceEspImage:
		return e.placeEspImage(devicePath, fs.Source, status, cfg, devicePaths)
	case types.SourceAdopted, types.SourceTmpfs:
		return nil
	default:
		return elementalError.New(fmt.Sprintf("unknown filesystem source kind %q", fs.Source.Kind), elementalError.InvalidConfiguration)
	}
}

// fetchRecoveryKey downloads cfg.Encryption.RecoveryKeyURL to a staging file
// and returns its raw contents, the shared secret DeriveVolumeKey stretches
// into one independent LUKS key per encrypted volume. Fetched fresh on every
// call rather than cached on the Engine, since a servicing operation
// realizes its graph at most once.
func (e *Engine) fetchRecoveryKey(cfg types.HostConfiguration) ([]byte, error) {
	if cfg.Encryption == nil || cfg.Encryption.RecoveryKeyURL == "" {
		return nil, elementalError.New("encrypted volume declared but no recovery-key-url configured", elementalError.InvalidConfiguration)
	}

	if err := e.cfg.Fs.MkdirAll(espImageStagingDir, 0o755); err != nil {
		return nil, elementalError.WrapEnvironment(err, "failed to create key staging directory")
	}
	stagingFile := filepath.Join(espImageStagingDir, "recovery-key")
	defer func() { _ = e.cfg.Fs.Remove(stagingFile) }()

	client := elementalhttp.NewClient()
	if err := client.GetUrl(e.cfg.Logger, cfg.Encryption.RecoveryKeyURL, stagingFile); err != nil {
		return nil, elementalError.Wrap(err, elementalError.KindEnvironment, elementalError.LuksOperation, "failed to fetch recovery key")
	}

	key, err := afero.ReadFile(e.cfg.Fs, stagingFile)
	if err != nil {
		return nil, elementalError.WrapEnvironment(err, "failed to read fetched recovery key")
	}
	return key, nil
}

func (e *Engine) placeImage(devicePath string, src types.FileSystemSource) error {
	client := elementalhttp.NewClient()
	if err := client.GetUrlVerified(e.cfg.Logger, src.ImageURL, devicePath, src.ImageSha384); err != nil {
		return elementalError.Wrap(err, elementalError.KindEnvironment, elementalError.FilesystemPlacement,
			fmt.Sprintf("failed to stream image onto %q", devicePath))
	}
	return nil
}

// placeEspImage formats the ESP, downloads its image (streaming through a
// SHA-384 check), mounts the image loopback to recover its file tree, and
// copies that tree into the install-index/slot-named EFI directory on the
// now-mounted ESP, per §4.2's EspImage description.
func (e *Engine) placeEspImage(devicePath string, src types.FileSystemSource, status types.HostStatus, cfg types.HostConfiguration, devicePaths map[types.BlockDeviceId]string) error {
	if err := e.realizer.PlaceFilesystem(devicePath, "vfat", "ESP"); err != nil {
		return err
	}

	dirName, err := bootentry.EspDirName(status)
	if err != nil {
		return err
	}

	if err := e.cfg.Fs.MkdirAll(espImageStagingDir, 0o755); err != nil {
		return elementalError.WrapEnvironment(err, "failed to create ESP image staging directory")
	}

	if err := e.cfg.Mounter.Mount(devicePath, e.cfg.EspMountPoint, "vfat", nil); err != nil {
		return elementalError.WrapEnvironment(err, fmt.Sprintf("failed to mount ESP at %q", e.cfg.EspMountPoint))
	}
	defer func() { _ = e.cfg.Mounter.Unmount(e.cfg.EspMountPoint) }()

	stagingFile := filepath.Join(espImageStagingDir, "esp-image.raw")
	client := elementalhttp.NewClient()
	if err := client.GetUrlVerified(e.cfg.Logger, src.ImageURL, stagingFile, src.ImageSha384); err != nil {
		return elementalError.Wrap(err, elementalError.KindEnvironment, elementalError.FilesystemPlacement, "failed to download ESP image")
	}

	imageMountPoint := filepath.Join(espImageStagingDir, "esp-image.mnt")
	if err := e.cfg.Fs.MkdirAll(imageMountPoint, 0o755); err != nil {
		return elementalError.WrapEnvironment(err, "failed to create ESP image mount point")
	}
	if err := e.cfg.Mounter.Mount(stagingFile, imageMountPoint, "squashfs", []string{"loop", "ro"}); err != nil {
		return elementalError.WrapEnvironment(err, "failed to mount ESP image for extraction")
	}
	defer func() { _ = e.cfg.Mounter.Unmount(imageMountPoint) }()

	destDir := filepath.Join(e.cfg.EspMountPoint, "EFI", dirName)
	if err := e.cfg.Fs.MkdirAll(destDir, 0o755); err != nil {
		return elementalError.WrapEnvironment(err, "failed to create ESP install directory")
	}
	if err := copyTree(e.cfg.Fs, imageMountPoint, destDir); err != nil {
		return err
	}

	return e.rewriteVerityGrubConfig(cfg, devicePaths, filepath.Join(destDir, "grub.cfg"))
}

// rewriteVerityGrubConfig stamps the just-staged boot entry's GRUB config
// with the realized verity device's data/hash paths, so the copied,
// teacher-sourced loader tree matches the root device this reconciliation
// actually assembled rather than whatever the upstream ESP image shipped
// with. A host configuration with no declared verity device leaves the
// copied grub.cfg untouched.
func (e *Engine) rewriteVerityGrubConfig(cfg types.HostConfiguration, devicePaths map[types.BlockDeviceId]string, grubCfgPath string) error {
	if len(cfg.Verity) == 0 {
		return nil
	}
	dev := cfg.Verity[0]
	dataPath, ok := devicePaths[dev.DataDeviceId]
	if !ok {
		return elementalError.New(fmt.Sprintf("verity data device %q was never realized", dev.DataDeviceId), elementalError.Unknown)
	}
	hashPath, ok := devicePaths[dev.HashDeviceId]
	if !ok {
		return elementalError.New(fmt.Sprintf("verity hash device %q was never realized", dev.HashDeviceId), elementalError.Unknown)
	}
	return e.rewriter.RewriteGrubConfig(grubCfgPath, dataPath, hashPath)
}

func copyTree(fs afero.Fs, src, dst string) error {
	return afero.Walk(fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return relErr
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return fs.MkdirAll(target, info.Mode())
		}
		data, readErr := afero.ReadFile(fs, path)
		if readErr != nil {
			return readErr
		}
		return afero.WriteFile(fs, target, data, info.Mode())
	})
}

// stageBootEntry allocates an install index (clean install only), resolves
// the target A/B volume, and points BootNext at a fresh boot entry for it,
// per §4.5/§4.6. It runs as the UpdateHostConfiguration phase for every
// servicing kind that stages a new bootable target.
func (e *Engine) stageBootEntry(ds *datastore.DataStore, newIntent types.HostConfiguration) error {
	status := ds.HostStatus()

	installIndex := status.InstallIndex
	activeVolume := status.AbActiveVolume
	switch status.ServicingType {
	case types.CleanInstall:
		idx, err := abslot.NextInstallIndex(e.cfg.Fs, filepath.Join(e.cfg.EspMountPoint, "EFI"))
		if err != nil {
			return elementalError.Wrap(err, elementalError.KindEnvironment, elementalError.InstallIndexAllocation, "failed to allocate install index")
		}
		installIndex = idx
		activeVolume = types.AbVolumeA
	case types.AbUpdate:
		activeVolume = abslot.Other(status.AbActiveVolume)
	default:
		// ManualRollbackAb: the target volume was already resolved by the
		// rollback chain and recorded before this phase ran.
	}

	preview := status
	preview.InstallIndex = installIndex
	// EspDirName names the side opposite the status's active volume, so the
	// preview carries the other side of activeVolume.
	preview.AbActiveVolume = abslot.Other(activeVolume)

	espDiskPath := ""
	for _, disk := range newIntent.Disks {
		for _, part := range disk.Partitions {
			if part.Type == types.PartitionTypeESP {
				espDiskPath = disk.Device
			}
		}
	}
	if espDiskPath == "" {
		return elementalError.New("no ESP partition declared in host configuration", elementalError.InvalidConfiguration)
	}

	bootNext, err := bootentry.SetBootNext(e.bootMgr, preview, espDiskPath, e.cfg.EspMountPoint, isQemu())
	if err != nil {
		return err
	}

	_, err = datastore.TryWithHostStatus(ds, func(s *types.HostStatus) (struct{}, error) {
		s.InstallIndex = installIndex
		s.AbActiveVolume = activeVolume
		s.BootNext = bootNext
		return struct{}{}, nil
	})
	return err
}

// isQemu detects an emulated-firmware environment via SMBIOS system
// information, matching the original's QEMU/Bochs/Xen vendor-string check
// (§9's supplemented feature), through ghw rather than reading
// /sys/class/dmi/id by hand. This is the module's only use of ghw.
func isQemu() bool {
	product, err := ghw.Product()
	if err != nil {
		return false
	}
	for _, marker := range []string{"QEMU", "Bochs", "Xen"} {
		if strings.Contains(product.Vendor, marker) || strings.Contains(product.Name, marker) {
			return true
		}
	}
	return false
}
