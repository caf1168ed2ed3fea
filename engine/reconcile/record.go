package reconcile

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/common"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/storage"
)

const phaseRecordKind = "phase"

// Phase is a phase of a reconciliation run
type Phase int

// Phases in run order. A phase record names the phase to do next.
const (
	PhaseNone Phase = iota
	PhaseFetch
	PhaseCompare
	PhaseRemove
	PhaseModify
	PhaseAdd
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "NONE"
	case PhaseFetch:
		return "FETCH"
	case PhaseCompare:
		return "COMPARE"
	case PhaseRemove:
		return "REMOVE"
	case PhaseModify:
		return "MODIFY"
	case PhaseAdd:
		return "ADD"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// PhaseRecord is the durable checkpoint of the reconciliation of one source
type PhaseRecord struct {
	Source string `msgpack:"source"`
	Phase  Phase  `msgpack:"phase"`
	Run    uint64 `msgpack:"run"`

	ToRemove     []common.CellID        `msgpack:"toRemove"`
	ToModify     []string               `msgpack:"toModify"`
	ToAdd        []string               `msgpack:"toAdd"`  // parents first
	ToLink       []string               `msgpack:"toLink"` // modified cells waiting for a parent added in ADD
	Descriptions map[string]Description `msgpack:"descriptions"`
}

func (rec *PhaseRecord) String() string {
	return fmt.Sprintf("PhaseRecord<%s run %d %s: -%d ~%d +%d &%d>", rec.Source, rec.Run, rec.Phase, len(rec.ToRemove), len(rec.ToModify), len(rec.ToAdd), len(rec.ToLink))
}

// reset starts the next run
func (rec *PhaseRecord) reset() {
	*rec = PhaseRecord{Source: rec.Source, Phase: PhaseNone, Run: rec.Run}
}

// LoadPhaseRecord loads the record of the source. A missing record, or one
// that cannot be read, is reported as NONE; the failure is logged as a crash
// recovery error.
func LoadPhaseRecord(store *storage.Store, source string) *PhaseRecord {
	rec := &PhaseRecord{Source: source}
	if store == nil {
		return rec
	}
	found, err := store.Load(phaseRecordKind, source, rec)
	if err == nil && found && rec.Source == source && rec.Phase >= PhaseNone && rec.Phase <= PhaseAdd {
		return rec
	}

	run := rec.Run
	switch {
	case err != nil:
		err = errors.Wrapf(common.ErrCrashRecovery, "phase record of %s unreadable: %v", source, err)
	case !found:
		err = errors.Wrapf(common.ErrCrashRecovery, "phase record of %s missing", source)
	default:
		err = errors.Wrapf(common.ErrCrashRecovery, "phase record of %s invalid: %s", source, rec)
	}
	if found {
		gwlog.Errorf("reconcile: %v, restarting from NONE", err)
	} else {
		gwlog.Infof("reconcile: %v, starting from NONE", err)
	}
	return &PhaseRecord{Source: source, Run: run}
}
