// Package servicing implements the servicing state machine (C3): deciding
// what kind of servicing operation a new intent requires, driving the
// ordered phases of that operation, and validating the post-reboot boot
// outcome.
//
// Grounded on the teacher's pkg/action/install.go/upgrade.go/reset.go
// orchestration shape: one struct per operation, a single Run() method that
// pushes cleanup callbacks onto a utils.CleanStack as it acquires
// resources, and hook dispatch (installHook/upgradeHook) bracketing the
// real work. This package generalizes that single fixed sequence into a
// phase table keyed by ServicingType, since unlike the teacher's three
// independent commands, one driver here must run six different phase
// sequences depending on the decision function's output.
package servicing

import (
	"fmt"
	"reflect"

	elementalError "github.com/rancher-sandbox/hostagent/pkg/error"
	"github.com/rancher-sandbox/hostagent/pkg/types"
	"github.com/rancher-sandbox/hostagent/pkg/utils"
)

// DecideKind implements the C3 decision function: given whether the open
// datastore is temporary, the persisted host status, and a newly-submitted
// intent, it returns the servicing operation that intent requires.
func DecideKind(datastorePersistent bool, status types.HostStatus, newIntent types.HostConfiguration) (types.ServicingType, error) {
	if !datastorePersistent {
		return types.CleanInstall, nil
	}
	if reflect.DeepEqual(status.Spec, newIntent) {
		return replayKind(status.ServicingState), nil
	}
	return classifyDiff(status.Spec, newIntent)
}

// replayKind decides what resubmitting the already-persisted spec means,
// based on where the last servicing operation left off: a *Staged state
// means the caller is retrying that same operation; Provisioned (or never
// provisioned) means there is nothing to do.
func replayKind(state types.ServicingState) types.ServicingType {
	switch state {
	case types.StateCleanInstallStaged:
		return types.CleanInstall
	case types.StateAbUpdateStaged:
		return types.AbUpdate
	case types.StateRuntimeUpdateStaged:
		return types.RuntimeUpdate
	case types.StateManualRollbackAbStaged:
		return types.ManualRollbackAb
	case types.StateManualRollbackRtStaged:
		return types.ManualRollbackRuntime
	default:
		return types.NoActiveServicing
	}
}

// classifyDiff applies the diff-rule ordering in priority order: any change
// to storage-shaped fields (disks, RAID, encryption, A/B pairs, verity,
// filesystems, swap) always requires a reboot into a new image, so it wins
// regardless of what else changed. Otherwise, a change to the extension
// list or to an "online-settable" OS field is a RuntimeUpdate. Otherwise,
// any remaining OS-block change (kernel cmdline, SELinux mode, the opaque
// yip payload) still requires a reboot and is an AbUpdate. No change at all
// is NoActiveServicing.
func classifyDiff(old, new types.HostConfiguration) (types.ServicingType, error) {
	if storageShapeChanged(old, new) {
		return types.AbUpdate, nil
	}

	oldOnline, oldRest := splitOnlineSettable(old.Os)
	newOnline, newRest := splitOnlineSettable(new.Os)

	if !reflect.DeepEqual(oldRest, newRest) {
		return types.AbUpdate, nil
	}
	if !reflect.DeepEqual(oldOnline, newOnline) {
		return types.RuntimeUpdate, nil
	}
	return types.NoActiveServicing, nil
}

// storageShapeChanged reports whether any field that always requires
// reprovisioning storage or rebooting into a new image differs between old
// and new.
func storageShapeChanged(old, new types.HostConfiguration) bool {
	return !reflect.DeepEqual(old.Disks, new.Disks) ||
		!reflect.DeepEqual(old.RaidArrays, new.RaidArrays) ||
		!reflect.DeepEqual(old.Encryption, new.Encryption) ||
		!reflect.DeepEqual(old.AbUpdate, new.AbUpdate) ||
		!reflect.DeepEqual(old.Verity, new.Verity) ||
		!reflect.DeepEqual(old.Filesystems, new.Filesystems) ||
		!reflect.DeepEqual(old.VerityFilesystems, new.VerityFilesystems) ||
		!reflect.DeepEqual(old.Swap, new.Swap)
}

// onlineSettable is the subset of OsSettings fields a RuntimeUpdate may
// change without a reboot: the extension list and the hostname. Kernel
// cmdline, SELinux mode, and the opaque yip payload all require a reboot to
// take effect and so are compared as part of "the rest".
type onlineSettable struct {
	Hostname   string
	Extensions []types.Extension
}

func splitOnlineSettable(os types.OsSettings) (onlineSettable, types.OsSettings) {
	online := onlineSettable{Hostname: os.Hostname, Extensions: os.Extensions}
	rest := os
	rest.Hostname = ""
	rest.Extensions = nil
	return online, rest
}

// Phase names the ordered stages a servicing operation runs through.
type Phase string

const (
	PhasePreServicing            Phase = "pre_servicing"
	PhasePrepare                 Phase = "prepare"
	PhaseProvision               Phase = "provision"
	PhaseConfigure               Phase = "configure"
	PhaseUpdateHostConfiguration Phase = "update_host_configuration"
	PhaseCleanUp                 Phase = "clean_up"
)

// PhaseFunc is one subsystem's unit of work for a phase. A nil PhaseFunc
// means the phase has nothing to do for this operation.
type PhaseFunc func() error

// Phases collects every subsystem's hook for one servicing operation. The
// driver invokes only the phases relevant to the operation's ServicingType.
type Phases struct {
	PreServicing            PhaseFunc
	Prepare                 PhaseFunc
	Provision               PhaseFunc
	Configure               PhaseFunc
	UpdateHostConfiguration PhaseFunc
	CleanUp                 PhaseFunc
}

// phaseExitCode maps each phase to the exit code its failure is tagged
// with, so callers can distinguish which stage of an operation failed.
var phaseExitCode = map[Phase]int{
	PhasePreServicing:            elementalError.HookPreServicing,
	PhasePrepare:                 elementalError.HookPrepare,
	PhaseProvision:               elementalError.HookProvision,
	PhaseConfigure:               elementalError.HookConfigure,
	PhaseUpdateHostConfiguration: elementalError.HookConfigure,
	PhaseCleanUp:                 elementalError.HookCleanUp,
}

// Run drives phases in the fixed order the decision kind requires,
// matching §4.3's transition table: prepare is for runtime updates only,
// provision is for clean installs and A/B updates only, and configure/
// update_host_configuration/clean_up always run. clean_up always runs,
// even on failure, via a CleanStack the same way the teacher's Run()
// methods defer cleanup.Cleanup(err).
func Run(kind types.ServicingType, phases Phases) (err error) {
	cleanup := utils.NewCleanStack()
	defer func() { err = cleanup.Cleanup(err) }()
	cleanup.Push(func() error { return runPhase(PhaseCleanUp, phases.CleanUp) })

	if err := runPhase(PhasePreServicing, phases.PreServicing); err != nil {
		return err
	}

	if kind == types.RuntimeUpdate {
		if err := runPhase(PhasePrepare, phases.Prepare); err != nil {
			return err
		}
	}

	if kind == types.CleanInstall || kind == types.AbUpdate {
		if err := runPhase(PhaseProvision, phases.Provision); err != nil {
			return err
		}
	}

	if err := runPhase(PhaseConfigure, phases.Configure); err != nil {
		return err
	}

	if err := runPhase(PhaseUpdateHostConfiguration, phases.UpdateHostConfiguration); err != nil {
		return err
	}

	return nil
}

func runPhase(phase Phase, f PhaseFunc) error {
	if f == nil {
		return nil
	}
	if err := f(); err != nil {
		return elementalError.WrapServicing(err, phaseExitCode[phase], fmt.Sprintf("%s phase failed", phase))
	}
	return nil
}

// StagedState returns the *Staged state a servicing operation enters once
// its provision/configure work is submitted but not yet finalized.
func StagedState(kind types.ServicingType) (types.ServicingState, error) {
	switch kind {
	case types.CleanInstall:
		return types.StateCleanInstallStaged, nil
	case types.AbUpdate:
		return types.StateAbUpdateStaged, nil
	case types.RuntimeUpdate:
		return types.StateRuntimeUpdateStaged, nil
	case types.ManualRollbackAb:
		return types.StateManualRollbackAbStaged, nil
	case types.ManualRollbackRuntime:
		return types.StateManualRollbackRtStaged, nil
	default:
		return "", elementalError.New(fmt.Sprintf("servicing kind %q has no staged state", kind), elementalError.InvalidConfiguration)
	}
}

// FinalizedState returns the *Finalized state staged's operation reaches
// once finalize succeeds.
func FinalizedState(staged types.ServicingState) (types.ServicingState, error) {
	switch staged {
	case types.StateCleanInstallStaged:
		return types.StateCleanInstallFinalized, nil
	case types.StateAbUpdateStaged:
		return types.StateAbUpdateFinalized, nil
	case types.StateRuntimeUpdateStaged:
		return types.StateRuntimeUpdateFinalized, nil
	case types.StateManualRollbackAbStaged:
		return types.StateManualRollbackAbFinalized, nil
	case types.StateManualRollbackRtStaged:
		return types.StateManualRollbackRtFinalized, nil
	default:
		return "", elementalError.New(fmt.Sprintf("state %q has no finalized successor", staged), elementalError.InvalidConfiguration)
	}
}

// requiresReboot reports whether a *Finalized state's promotion to
// Provisioned is gated on a successful reboot into the new boot entry,
// versus taking effect immediately (runtime updates mutate the live OS and
// need no reboot validation).
func requiresReboot(finalized types.ServicingState) bool {
	switch finalized {
	case types.StateCleanInstallFinalized, types.StateAbUpdateFinalized,
		types.StateManualRollbackAbFinalized:
		return true
	default:
		return false
	}
}

// ValidateBoot implements §4.3's boot-validation rule: after a reboot into
// a *Finalized state that required one, it compares the firmware's
// BootCurrent against the status's recorded BootNext. A match promotes the
// state to Provisioned (clearing BootNext is left to the caller); a
// mismatch means the system
// booted into the wrong (old) partition, and the finalized A/B update must
// be treated as failed so the caller triggers an automatic rollback.
func ValidateBoot(status types.HostStatus, bootCurrent string) (types.ServicingState, error) {
	if status.BootNext == "" || !requiresReboot(status.ServicingState) {
		return status.ServicingState, nil
	}
	if bootCurrent == status.BootNext {
		return types.StateProvisioned, nil
	}
	if status.ServicingState == types.StateAbUpdateFinalized {
		return types.StateAbUpdateHealthCheckFailed, nil
	}
	return status.ServicingState, elementalError.New(
		fmt.Sprintf("boot validation failed: booted %q, expected BootNext %q, in unrecoverable state %q", bootCurrent, status.BootNext, status.ServicingState),
		elementalError.InvalidConfiguration)
}
