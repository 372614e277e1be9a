package collab

import (
	"sync"
)

const DefaultHistoryLimit = 256

// historyEntry holds one sequenced operation authored by this connection,
// as acknowledged by the room. undo submits the inverse; when the inverse
// is acknowledged it becomes an entry on the opposite stack, so redo is
// undo of the undo.
type historyEntry struct {
	op *Operation
}

// historyManager keeps the per-connection undo and redo stacks. it stores
// only operations this connection authored. entries whose target no longer
// exists, or whose fields have since been overwritten by another
// connection, are suppressed at pop time rather than blindly reapplied.
type historyManager struct {
	mutex sync.Mutex

	limit     int
	undoStack []*historyEntry
	redoStack []*historyEntry
}

func newHistoryManager(limit int) *historyManager {
	return &historyManager{
		limit: limit,
	}
}

// Record appends a freshly acknowledged local edit. any redo entries are
// dropped: a new edit forks away from the undone timeline.
func (self *historyManager) Record(op *Operation) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.undoStack = append(self.undoStack, &historyEntry{op: op})
	if self.limit < len(self.undoStack) {
		self.undoStack = self.undoStack[len(self.undoStack)-self.limit:]
	}
	self.redoStack = nil
}

func (self *historyManager) PopUndo() *historyEntry {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	n := len(self.undoStack)
	if n == 0 {
		return nil
	}
	entry := self.undoStack[n-1]
	self.undoStack = self.undoStack[:n-1]
	return entry
}

func (self *historyManager) PopRedo() *historyEntry {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	n := len(self.redoStack)
	if n == 0 {
		return nil
	}
	entry := self.redoStack[n-1]
	self.redoStack = self.redoStack[:n-1]
	return entry
}

// PushUndo records an acknowledged redo so it can be undone again.
// does not clear the redo stack.
func (self *historyManager) PushUndo(op *Operation) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.undoStack = append(self.undoStack, &historyEntry{op: op})
	if self.limit < len(self.undoStack) {
		self.undoStack = self.undoStack[len(self.undoStack)-self.limit:]
	}
}

// PushRedo records an acknowledged undo so it can be redone.
func (self *historyManager) PushRedo(op *Operation) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.redoStack = append(self.redoStack, &historyEntry{op: op})
	if self.limit < len(self.redoStack) {
		self.redoStack = self.redoStack[len(self.redoStack)-self.limit:]
	}
}

// RestoreUndo puts an entry back on top of the undo stack after its
// inverse was rejected by the room.
func (self *historyManager) RestoreUndo(entry *historyEntry) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.undoStack = append(self.undoStack, entry)
}

func (self *historyManager) RestoreRedo(entry *historyEntry) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.redoStack = append(self.redoStack, entry)
}

func (self *historyManager) CanUndo() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return 0 < len(self.undoStack)
}

func (self *historyManager) CanRedo() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return 0 < len(self.redoStack)
}

// Reset drops both stacks. a rejoin resumes from the current snapshot with
// empty history.
func (self *historyManager) Reset() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.undoStack = nil
	self.redoStack = nil
}
