package entity

import (
	"fmt"

	"github.com/xiaonanln/cellworld/engine/common"
)

// EventKind is the kind of a commit event
type EventKind int

const (
	// CellCreated is sent when a cell is activated
	CellCreated EventKind = iota + 1
	// CellChanged is sent when the server state of an activated cell changed
	CellChanged
	// CellMoved is sent when only the transform of an activated cell changed
	CellMoved
	// CellRemoved is sent when a cell is finalized
	CellRemoved
)

func (k EventKind) String() string {
	switch k {
	case CellCreated:
		return "Created"
	case CellChanged:
		return "Changed"
	case CellMoved:
		return "Moved"
	case CellRemoved:
		return "Removed"
	}
	return fmt.Sprintf("EventKind<%d>", int(k))
}

// Event describes one committed change of a cell
type Event struct {
	Kind    EventKind
	CellID  common.CellID
	Version uint64
	// Observers the cell had when it was finalized, CellRemoved only
	Observers []common.ClientID
}

// CommitListener receives the events of committed transactions
type CommitListener interface {
	OnCommit(events []Event)
}

// CommitListenerFunc is a function implementing CommitListener
type CommitListenerFunc func(events []Event)

// OnCommit calls f(events)
func (f CommitListenerFunc) OnCommit(events []Event) {
	f(events)
}
