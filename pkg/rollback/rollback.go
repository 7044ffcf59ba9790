// Package rollback reconstructs the chain of manual rollbacks available
// from a host's datastore history (C4): which prior HostConfiguration a
// rollback would restore, and whether undoing it requires a reboot (an A/B
// rollback) or not (a runtime rollback).
//
// Grounded directly on
// original_source/crates/trident/src/engine/manual_rollback/utils.rs. The
// HostStatus records, the Operation/OperationKind grouping, and the
// filter-stack pruning of manual-rollback markers and the updates they
// undo are all reproduced as in the original; Rust's Option<HostStatus>
// slice becomes a Go []*types.HostStatus with nil standing in for a
// missing/unreadable record.
package rollback

import (
	"strconv"
	"strings"

	elementalError "github.com/rancher-sandbox/hostagent/pkg/error"
	"github.com/rancher-sandbox/hostagent/pkg/types"
)

// MinimumVersion is the lowest agent version whose HostStatus records are
// eligible for manual rollback; records written by older agents lack
// fields the rollback reconstruction depends on.
const MinimumVersion = "0.21.0"

// Kind distinguishes a rollback that requires a reboot (undoing an A/B
// update) from one that does not (undoing a runtime update).
type Kind string

const (
	KindAb      Kind = "ab"
	KindRuntime Kind = "runtime"
)

// ChainItem is one entry in the available-rollbacks chain: the
// configuration and active volume a rollback would restore.
type ChainItem struct {
	Kind           Kind
	Spec           types.HostConfiguration
	AbActiveVolume types.AbVolume
	InstallIndex   int
}

// RequestKind is how a caller asks for a specific rollback.
type RequestKind int

const (
	// RollbackNext rolls back whatever is next in the chain, A/B or runtime.
	RollbackNext RequestKind = iota
	// RollbackOnlyIfNextIsRuntime fails unless the next rollback is a runtime rollback.
	RollbackOnlyIfNextIsRuntime
	// RollbackAvailableAb finds and performs the first available A/B rollback.
	RollbackAvailableAb
)

// RequestKindFromFlags mirrors the CLI's --only-if-runtime/--ab flag pair.
func RequestKindFromFlags(onlyIfRuntime, availableAb bool) (RequestKind, error) {
	switch {
	case !onlyIfRuntime && !availableAb:
		return RollbackNext, nil
	case onlyIfRuntime && !availableAb:
		return RollbackOnlyIfNextIsRuntime, nil
	case !onlyIfRuntime && availableAb:
		return RollbackAvailableAb, nil
	default:
		return 0, elementalError.New(
			"conflicting expectations: cannot expect to undo both a runtime update and an A/B update",
			elementalError.InvalidConfiguration,
		)
	}
}

type operationKind int

const (
	opUnknown operationKind = iota
	opInitial
	opAbUpdate
	opRuntimeUpdate
	opAbManualRollback
	opRuntimeManualRollback
	opAbUpdateAutoRollback
)

func (k operationKind) keepParsing() bool {
	return k != opUnknown && k != opInitial && k != opAbUpdateAutoRollback
}

type operation struct {
	kind           operationKind
	fromHostStatus *types.HostStatus
	toHostStatus   *types.HostStatus
}

func (o operation) keepParsing() bool {
	if !o.kind.keepParsing() {
		return false
	}
	if o.fromHostStatus != nil && !versionEligible(o.fromHostStatus.AgentVersion) {
		return false
	}
	if o.toHostStatus == nil {
		return false
	}
	if !versionEligible(o.toHostStatus.AgentVersion) {
		return false
	}
	if o.toHostStatus.LastError != "" {
		return false
	}
	if o.kind == opAbUpdate && o.toHostStatus.Spec.Encryption != nil {
		return false
	}
	return true
}

// versionEligible reports whether a recorded agent version is present,
// parseable, and at least MinimumVersion.
func versionEligible(version string) bool {
	if version == "" {
		return false
	}
	return compareVersions(version, MinimumVersion) >= 0
}

// compareVersions compares two dotted-numeric version strings
// (major.minor.patch); malformed segments compare as zero.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < 3; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			return av - bv
		}
	}
	return 0
}

// Context holds the reconstructed chain of available manual rollbacks.
type Context struct {
	chain []ChainItem
}

// NewContext builds a Context from a host's HostStatus history, newest
// record first (matching the datastore's newest-first read order). A nil
// entry marks a missing/unreadable record and ends parsing.
func NewContext(hostStatuses []*types.HostStatus) (*Context, error) {
	var operations []operation

	activeVolumeChanges := 0
	current := operation{kind: opUnknown}

	if len(hostStatuses) == 0 || hostStatuses[0] == nil || hostStatuses[0].ServicingState != types.StateProvisioned {
		return &Context{}, nil
	}
	current.toHostStatus = hostStatuses[0]

	var rollbackFilters []operationKind

	for _, hs := range hostStatuses {
		if hs == nil {
			break
		}
		switch hs.ServicingState {
		case types.StateProvisioned:
			if current.kind == opUnknown {
				// Repeated Provisioned state (e.g. after offline
				// initialization) or the top of the list: nothing to push.
			} else {
				add, err := addOperationToList(current.kind, &rollbackFilters)
				if err != nil {
					return nil, err
				}
				if add {
					if !current.keepParsing() {
						goto done
					}
					current.fromHostStatus = hs
					operations = append(operations, current)
				}
				current = operation{kind: opUnknown}
			}
		case types.StateCleanInstallStaged:
			current.kind = opInitial
			current.fromHostStatus = nil
			current.toHostStatus = hs
		case types.StateAbUpdateStaged:
			current.kind = opAbUpdate
			current.toHostStatus = hs
			activeVolumeChanges++
			if activeVolumeChanges >= 2 {
				goto done
			}
		case types.StateRuntimeUpdateStaged:
			current.kind = opRuntimeUpdate
			current.toHostStatus = hs
		case types.StateManualRollbackAbStaged:
			current.kind = opAbManualRollback
			current.toHostStatus = hs
		case types.StateManualRollbackRtStaged:
			current.kind = opRuntimeManualRollback
			current.toHostStatus = hs
		case types.StateAbUpdateHealthCheckFailed:
			current.kind = opAbUpdateAutoRollback
			goto done
		default:
			// skip
		}
	}
done:

	chain := make([]ChainItem, 0, len(operations))
	for _, op := range operations {
		var kind Kind
		switch op.kind {
		case opAbUpdate:
			kind = KindAb
		case opRuntimeUpdate:
			kind = KindRuntime
		default:
			return nil, elementalError.New("unexpected operation kind in rollback chain", elementalError.Unknown)
		}
		chain = append(chain, ChainItem{
			Kind:           kind,
			Spec:           op.fromHostStatus.Spec,
			AbActiveVolume: op.fromHostStatus.AbActiveVolume,
			InstallIndex:   op.fromHostStatus.InstallIndex,
		})
	}
	return &Context{chain: chain}, nil
}

// addOperationToList filters out a manual-rollback marker and the update
// operation it undoes: an AbManualRollback suppresses the next AbUpdate it
// finds walking backward and skips the runtime updates met before that
// AbUpdate; a RuntimeManualRollback suppresses the next RuntimeUpdate, and
// meeting an AbUpdate while one is pending is an error.
func addOperationToList(kind operationKind, filters *[]operationKind) (bool, error) {
	switch kind {
	case opAbManualRollback:
		*filters = append([]operationKind{opAbManualRollback}, *filters...)
		return false, nil
	case opRuntimeManualRollback:
		*filters = append([]operationKind{opRuntimeManualRollback}, *filters...)
		return false, nil
	case opAbUpdate:
		if len(*filters) > 0 {
			switch (*filters)[0] {
			case opAbManualRollback:
				*filters = (*filters)[1:]
				return false, nil
			case opRuntimeManualRollback:
				return false, elementalError.New(
					"unexpected host status sequence: A/B update operation found during runtime manual rollback",
					elementalError.InvalidConfiguration,
				)
			}
		}
		return true, nil
	case opRuntimeUpdate:
		if len(*filters) > 0 {
			switch (*filters)[0] {
			case opAbManualRollback:
				return false, nil
			case opRuntimeManualRollback:
				*filters = (*filters)[1:]
				return false, nil
			}
		}
		return true, nil
	default:
		if len(*filters) > 0 {
			return false, elementalError.New(
				"unexpected host status sequence: non-update operation found during manual rollback",
				elementalError.InvalidConfiguration,
			)
		}
		return true, nil
	}
}

// Chain returns the full list of available rollbacks, nearest first.
func (c *Context) Chain() []ChainItem {
	return c.chain
}

// RequestedRollback resolves which chain entry a request kind refers to.
func (c *Context) RequestedRollback(kind RequestKind) (*ChainItem, error) {
	if len(c.chain) == 0 {
		return nil, nil
	}
	switch kind {
	case RollbackNext:
		item := c.chain[0]
		return &item, nil
	case RollbackOnlyIfNextIsRuntime:
		if c.chain[0].Kind == KindAb {
			return nil, elementalError.New(
				"expected to undo a runtime update but rollback will undo an A/B update",
				elementalError.InvalidConfiguration,
			)
		}
		item := c.chain[0]
		return &item, nil
	case RollbackAvailableAb:
		for _, item := range c.chain {
			if item.Kind == KindAb {
				out := item
				return &out, nil
			}
		}
		return nil, elementalError.New(
			"expected to undo an A/B update but no A/B rollback is available",
			elementalError.InvalidConfiguration,
		)
	default:
		return nil, elementalError.New("unknown rollback request kind", elementalError.Unknown)
	}
}

// CheckRequestedRollback reports "none", "ab", or "runtime" for a request
// kind without requiring the caller to unwrap a *ChainItem.
func (c *Context) CheckRequestedRollback(kind RequestKind) (string, error) {
	item, err := c.RequestedRollback(kind)
	if err != nil {
		return "", err
	}
	if item == nil {
		return "none", nil
	}
	return string(item.Kind), nil
}
