// Package action implements one function per CLI verb, the thin layer
// between cmd/'s cobra commands and the servicing driver (C10).
//
// Grounded on the teacher's pkg/action package: one exported entry point
// per verb, each opening exactly the collaborators its operation needs and
// returning a single error for the cmd layer to turn into a process exit
// code. This package drops the teacher's per-verb struct-plus-NewXAction
// constructor shape (InstallAction, UpgradeAction, ...) since this domain's
// driver (pkg/engine.Engine) already owns that orchestration; every verb
// here is a short function that loads input, opens the datastore, and
// delegates to the engine or to one narrow subsystem directly.
package action

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/rancher-sandbox/hostagent/pkg/abslot"
	"github.com/rancher-sandbox/hostagent/pkg/blockdevice"
	"github.com/rancher-sandbox/hostagent/pkg/config"
	"github.com/rancher-sandbox/hostagent/pkg/datastore"
	"github.com/rancher-sandbox/hostagent/pkg/engine"
	elementalError "github.com/rancher-sandbox/hostagent/pkg/error"
	"github.com/rancher-sandbox/hostagent/pkg/rollback"
	"github.com/rancher-sandbox/hostagent/pkg/servicing"
	"github.com/rancher-sandbox/hostagent/pkg/storage"
	"github.com/rancher-sandbox/hostagent/pkg/types"
	"github.com/rancher-sandbox/hostagent/pkg/verity"
)

// openDataStore opens the persistent datastore if one already exists at
// cfg.DatastorePath (the agent has run on this host before, or the install
// target root is already mounted there), otherwise falls back to the
// well-known temporary path used while booted from installer media.
func openDataStore(cfg *config.Config) (*datastore.DataStore, error) {
	if _, err := os.Stat(cfg.DatastorePath); err == nil {
		ds, err := datastore.Open(cfg.DatastorePath)
		if err != nil {
			return nil, elementalError.WrapDatastore(err, "failed to open persistent datastore")
		}
		return ds, nil
	}
	ds, err := datastore.OpenTemporary(cfg.TemporaryDatastorePath)
	if err != nil {
		return nil, elementalError.WrapDatastore(err, "failed to open temporary datastore")
	}
	return ds, nil
}

// Run is the `run` verb: the agent's main servicing entry point. It loads
// the host configuration, validates any pending boot outcome from a prior
// operation, classifies and drives whatever servicing operation the new
// intent requires, and promotes a temporary datastore to persistent once a
// clean install finishes realizing storage.
func Run(cfg *config.Config, hostConfigPath string) error {
	newIntent, err := config.LoadHostConfiguration(cfg.Fs, hostConfigPath)
	if err != nil {
		return err
	}

	ds, err := openDataStore(cfg)
	if err != nil {
		return err
	}
	defer ds.Close()

	eng := engine.New(cfg)

	if err := eng.ReconcileBoot(ds); err != nil {
		return err
	}

	kind, err := eng.Reconcile(ds, newIntent)
	if err != nil {
		return err
	}
	if kind == types.NoActiveServicing {
		cfg.Logger.Infof("host configuration already applied, nothing to do")
		return nil
	}

	if !ds.IsPersistent() && kind == types.CleanInstall {
		if err := ds.Persist(cfg.DatastorePath); err != nil {
			return elementalError.WrapDatastore(err, "failed to persist datastore after clean install")
		}
	}

	cfg.Logger.Infof("servicing operation %q completed", kind)
	return nil
}

// StartNetwork is the `start-network` verb: it brings up networking early,
// before a host configuration is necessarily available, by running the
// cloud-init-style "network" stage. Grounded on the teacher's stage-name
// convention (pkg/utils/runstage.go's before/after wrapping of a named
// stage), narrowed to the one stage this verb runs.
func StartNetwork(cfg *config.Config) error {
	if err := cfg.CloudInitRunner.Run("network"); err != nil {
		return elementalError.WrapServicing(err, elementalError.HookPreServicing, "failed to run network stage")
	}
	return nil
}

// GetHostStatus is the `get-host-status` verb: it prints the persisted
// HostStatus record as YAML, the same serialization the datastore itself
// uses, to stdout.
func GetHostStatus(cfg *config.Config) error {
	ds, err := openDataStore(cfg)
	if err != nil {
		return err
	}
	defer ds.Close()

	out, err := yaml.Marshal(ds.HostStatus())
	if err != nil {
		return elementalError.WrapInternal(err, "failed to serialize host status")
	}
	_, werr := os.Stdout.Write(out)
	return werr
}

// Validate is the `validate` verb: a dry run that builds and checks the
// block-device graph for a candidate host configuration, classifies what
// servicing operation it would require, and, when the configuration
// declares verity-backed filesystems, checks the running system's current
// GRUB configuration for the kernel-argument consistency verity realization
// depends on. Nothing is staged or persisted.
func Validate(cfg *config.Config, hostConfigPath string) error {
	candidate, err := config.LoadHostConfiguration(cfg.Fs, hostConfigPath)
	if err != nil {
		return err
	}

	if _, err := blockdevice.NewBuilder(candidate).Build(); err != nil {
		return elementalError.Wrap(err, elementalError.KindInvalidConfiguration, elementalError.BlockDeviceGraphBuild,
			"block device graph validation failed")
	}

	ds, err := openDataStore(cfg)
	if err != nil {
		return err
	}
	defer ds.Close()

	kind, err := servicing.DecideKind(ds.IsPersistent(), ds.HostStatus(), candidate)
	if err != nil {
		return elementalError.WrapInvalidConfiguration(err, "failed to classify servicing request")
	}

	if len(candidate.Verity) > 0 {
		if err := validateVerityConsistency(cfg, ds.HostStatus(), candidate); err != nil {
			return err
		}
	}

	cfg.Logger.Infof("host configuration is valid; would perform %q", kind)
	return nil
}

// validateVerityConsistency locates the GRUB configuration for the
// currently active install slot and checks it against candidate, skipping
// the check (rather than failing) when no such file exists yet, since
// Validate is also used to check a configuration before any install has
// ever run.
func validateVerityConsistency(cfg *config.Config, status types.HostStatus, candidate types.HostConfiguration) error {
	names := abslot.EspDirNames(status.InstallIndex)
	dirName := names[0]
	if status.AbActiveVolume == types.AbVolumeB {
		dirName = names[1]
	}
	grubCfgPath := cfg.EspMountPoint + "/EFI/" + dirName + "/grub.cfg"
	if exists, _ := afero.Exists(cfg.Fs, grubCfgPath); !exists {
		cfg.Logger.Debugf("skipping verity consistency check: %q does not exist yet", grubCfgPath)
		return nil
	}
	return verity.CheckConsistency(cfg.Fs, grubCfgPath, candidate)
}

// OfflineInitialize is the `offline-initialize` verb: it records a host
// configuration as already provisioned without realizing any storage,
// for hosts whose disks were imaged by an external process before the
// agent ever ran. It writes a synthetic Provisioned anchor directly, the
// same shape Reconcile would have left behind had it actually run a clean
// install.
func OfflineInitialize(cfg *config.Config, hostConfigPath string, abActiveVolume types.AbVolume) error {
	spec, err := config.LoadHostConfiguration(cfg.Fs, hostConfigPath)
	if err != nil {
		return err
	}
	if _, err := blockdevice.NewBuilder(spec).Build(); err != nil {
		return elementalError.Wrap(err, elementalError.KindInvalidConfiguration, elementalError.BlockDeviceGraphBuild,
			"block device graph validation failed")
	}

	ds, err := openDataStore(cfg)
	if err != nil {
		return err
	}
	defer ds.Close()

	if ds.HostStatus().ServicingState != types.StateNotProvisioned {
		return elementalError.New("host is already provisioned, offline-initialize only applies to a never-serviced host",
			elementalError.AlreadyProvisioned)
	}

	_, err = datastore.TryWithHostStatus(ds, func(s *types.HostStatus) (struct{}, error) {
		s.Spec = spec
		s.ServicingType = types.NoActiveServicing
		s.ServicingState = types.StateProvisioned
		s.AbActiveVolume = abActiveVolume
		s.InstallIndex = 0
		s.AgentVersion = cfg.AgentVersion
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}

	if !ds.IsPersistent() {
		if err := ds.Persist(cfg.DatastorePath); err != nil {
			return elementalError.WrapDatastore(err, "failed to persist datastore after offline initialization")
		}
	}
	cfg.Logger.Infof("host recorded as provisioned without running a servicing operation")
	return nil
}

// RebuildRaid is the `rebuild-raid` verb: it re-assembles a named RAID
// array from the member device paths recorded in the current host status,
// without running a full servicing cycle. Grounded on the teacher's narrow,
// single-purpose action files (pkg/action/reset.go), which likewise expose
// one storage operation directly rather than routing it through the full
// install/upgrade orchestration.
func RebuildRaid(cfg *config.Config, arrayName string) error {
	ds, err := openDataStore(cfg)
	if err != nil {
		return err
	}
	defer ds.Close()

	status := ds.HostStatus()
	var array *types.RaidArray
	for i := range status.Spec.RaidArrays {
		if status.Spec.RaidArrays[i].Name == arrayName {
			array = &status.Spec.RaidArrays[i]
			break
		}
	}
	if array == nil {
		return elementalError.New(fmt.Sprintf("no RAID array named %q in the current host configuration", arrayName),
			elementalError.InvalidConfiguration)
	}

	memberPaths := make([]string, 0, len(array.Devices))
	for _, devID := range array.Devices {
		path, ok := status.PartitionPaths[string(devID)]
		if !ok {
			return elementalError.New(fmt.Sprintf("no recorded device path for RAID member %q", devID),
				elementalError.InvalidConfiguration)
		}
		memberPaths = append(memberPaths, path)
	}

	realizer := storage.NewRealizer(cfg.Runner, cfg.Logger)
	devPath, err := realizer.AssembleRaid(*array, memberPaths)
	if err != nil {
		return err
	}
	cfg.Logger.Infof("RAID array %q re-assembled at %q", arrayName, devPath)
	return nil
}

// Rollback is the `rollback` verb. onlyIfRuntime/availableAb mirror the
// CLI's --only-if-runtime and --ab flags.
func Rollback(cfg *config.Config, onlyIfRuntime, availableAb bool) error {
	request, err := rollback.RequestKindFromFlags(onlyIfRuntime, availableAb)
	if err != nil {
		return err
	}

	ds, err := openDataStore(cfg)
	if err != nil {
		return err
	}
	defer ds.Close()

	eng := engine.New(cfg)
	kind, err := eng.ManualRollback(ds, request)
	if err != nil {
		return err
	}
	cfg.Logger.Infof("rollback operation %q completed", kind)
	return nil
}
