// Package service runs the backup and restore state machines.
package service

import "github.com/yourname/smsvault/internal/record"

// SyncState enumerates the run states published to observers.
type SyncState string

const (
	StateInitial         SyncState = "initial"
	StateLogin           SyncState = "login"
	StateCalc            SyncState = "calc"
	StateBackup          SyncState = "backup"
	StateRestore         SyncState = "restore"
	StateUpdatingThreads SyncState = "updating_threads"
	StateFinished        SyncState = "finished"
	StateCanceled        SyncState = "canceled"
	StateError           SyncState = "error"
)

// Done reports whether the state is terminal.
func (s SyncState) Done() bool {
	return s == StateFinished || s == StateCanceled || s == StateError
}

// Event carries run progress. Delivery is best-effort; a slow observer
// never blocks the worker.
type Event struct {
	State   SyncState
	Type    record.DataType
	Current int
	Total   int
	Err     error
}

// notifier is the buffered drop-if-slow event publisher shared by both
// tasks.
type notifier struct {
	events chan Event
}

func newNotifier() notifier {
	return notifier{events: make(chan Event, 128)}
}

// Events returns a read-only channel of progress events. It is closed
// when the run ends.
func (n *notifier) Events() <-chan Event { return n.events }

func (n *notifier) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		// drop if slow consumer
	}
}
