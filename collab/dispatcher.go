package collab

import (
	"fmt"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// AckFunction receives the final outcome of a submitted operation: nil when
// the room sequenced it, an *OperationRejectedError when the room rejected
// it, or ErrConnectionLost when the channel dropped before the ack.
type AckFunction func(err error)

// OperationRejectedError surfaces a room-side rejection. the optimistic
// local apply has already been rolled back when the callback sees this.
type OperationRejectedError struct {
	Reason  RejectReason
	Message string
}

func (self *OperationRejectedError) Error() string {
	return fmt.Sprintf("operation rejected (%s): %s", self.Reason, self.Message)
}

// how an acknowledged operation feeds back into history
type historyMode uint8

const (
	// a fresh local edit, recorded on the undo stack
	historyRecord historyMode = 0
	// an undo in flight, pushed on the redo stack when acknowledged
	historyUndo historyMode = 1
	// a redo in flight, pushed back on the undo stack when acknowledged
	historyRedo historyMode = 2
)

type pendingOp struct {
	clientOpId uint64
	op         *Operation
	mode       historyMode
	// the popped history entry, restored if the room rejects the inverse
	restoreEntry *historyEntry
	ackCallback  AckFunction
}

// dispatcher drives the optimistic pipeline for one connection: apply
// locally, submit to the sequencer, then confirm or roll back on the
// room's verdict. acks arrive on the connection's receive loop while
// submits come from api callers, hence the mutex.
type dispatcher struct {
	store   *DocumentStore
	history *historyManager

	mutex          sync.Mutex
	origin         Id
	sendMessage    func(message any) error
	nextClientOpId uint64
	pending        map[uint64]*pendingOp
}

func newDispatcher(store *DocumentStore, history *historyManager) *dispatcher {
	return &dispatcher{
		store:   store,
		history: history,
		pending: map[uint64]*pendingOp{},
	}
}

// Attach binds the dispatcher to a fresh room channel. any operations
// still pending on the previous channel fail with ErrConnectionLost; their
// optimistic effects were already discarded by the snapshot reset.
func (self *dispatcher) Attach(origin Id, sendMessage func(message any) error) {
	self.mutex.Lock()
	failed := maps.Values(self.pending)
	self.pending = map[uint64]*pendingOp{}
	self.origin = origin
	self.sendMessage = sendMessage
	self.mutex.Unlock()

	for _, pending := range failed {
		if pending.ackCallback != nil {
			pending.ackCallback(ErrConnectionLost)
		}
	}
}

// Detach marks the channel as gone. submits fail fast until the next
// attach.
func (self *dispatcher) Detach() {
	self.mutex.Lock()
	self.sendMessage = nil
	self.mutex.Unlock()
}

// Submit validates and applies the operation optimistically, then sends it
// to the sequencer. a validation error means nothing was applied or sent.
func (self *dispatcher) Submit(op *Operation, mode historyMode, restoreEntry *historyEntry, ackCallback AckFunction) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.sendMessage == nil {
		return ErrConnectionLost
	}

	op.Origin = self.origin
	if err := self.store.ApplyOptimistic(op); err != nil {
		return err
	}

	self.nextClientOpId += 1
	clientOpId := self.nextClientOpId
	self.pending[clientOpId] = &pendingOp{
		clientOpId:   clientOpId,
		op:           op,
		mode:         mode,
		restoreEntry: restoreEntry,
		ackCallback:  ackCallback,
	}

	err := self.sendMessage(&SubmitOp{
		ClientOpId: clientOpId,
		Op:         op,
	})
	if err != nil {
		delete(self.pending, clientOpId)
		self.store.Rollback(op)
		return ErrConnectionLost
	}
	return nil
}

func (self *dispatcher) take(clientOpId uint64) *pendingOp {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	pending, ok := self.pending[clientOpId]
	if !ok {
		return nil
	}
	delete(self.pending, clientOpId)
	return pending
}

// Ack confirms a pending operation with the room-assigned op id and feeds
// it into history according to its mode.
func (self *dispatcher) Ack(ack *OpAck) {
	pending := self.take(ack.ClientOpId)
	if pending == nil {
		glog.V(1).Infof("[d]unknown ack clientOpId=%d\n", ack.ClientOpId)
		return
	}

	pending.op.OpId = ack.OpId
	self.store.Confirm(pending.op)

	switch pending.mode {
	case historyRecord:
		self.history.Record(pending.op)
	case historyUndo:
		self.history.PushRedo(pending.op)
	case historyRedo:
		self.history.PushUndo(pending.op)
	}

	if pending.ackCallback != nil {
		pending.ackCallback(nil)
	}
}

// Reject rolls back a pending operation. a rejected undo or redo restores
// its history entry so the user can retry.
func (self *dispatcher) Reject(reject *OpReject) {
	pending := self.take(reject.ClientOpId)
	if pending == nil {
		glog.V(1).Infof("[d]unknown reject clientOpId=%d\n", reject.ClientOpId)
		return
	}

	self.store.Rollback(pending.op)

	if pending.restoreEntry != nil {
		switch pending.mode {
		case historyUndo:
			self.history.RestoreUndo(pending.restoreEntry)
		case historyRedo:
			self.history.RestoreRedo(pending.restoreEntry)
		}
	}

	if pending.ackCallback != nil {
		pending.ackCallback(&OperationRejectedError{
			Reason:  reject.Reason,
			Message: reject.Message,
		})
	}
}

// ApplyRemote folds a broadcast operation from another connection into the
// local replica. operations this connection authored are confirmed via the
// ack path and skipped here.
func (self *dispatcher) ApplyRemote(op *Operation) {
	self.mutex.Lock()
	origin := self.origin
	self.mutex.Unlock()
	if op.Origin == origin {
		return
	}
	self.store.ApplyRemote(op)
}
