package collab

import (
	"errors"
	"sync"

	"github.com/golang/glog"
)

var ErrTargetExists = errors.New("target already exists")

// called after the document changed. `op` is nil when the whole document
// was replaced (join or rejoin snapshot).
type ChangeFunction func(op *Operation)

// per entity or per field write bookkeeping.
// `seq` is the op id of the last committed write, used as the sole
// tie-break for concurrent writes: a write applies only if its op id is
// greater than the recorded seq. `pendingCount` counts local optimistic
// writes that have not been acknowledged by the sequencer yet.
type writeState struct {
	seq          uint64
	origin       Id
	pendingCount int
}

// DocumentStore is the replicated mutable document plus the write metadata
// that makes replicas converge. one instance per room on the server side
// (authoritative, via Apply) and one per connection on the client side
// (optimistic apply, confirm/rollback, remote apply).
//
// mutation is consumed only through the mutation dispatcher and the room
// sequencer, never directly by UI code.
type DocumentStore struct {
	mutex sync.Mutex

	doc *Document

	// op ids at or below this are already reflected in `doc` (snapshot seq)
	baselineSeq uint64

	// existence writes per entity id. entries persist as tombstones after
	// delete so redelivered or stale ops are ignored.
	entityWrites map[Id]*writeState

	// field writes per live entity
	fieldWrites map[Id]map[string]*writeState

	// remote operations held back because a local optimistic write on one
	// of their (entity, field) pairs is still unacknowledged. reconsidered
	// in op id order whenever a pending write resolves.
	deferred []*Operation

	changeCallbacks CallbackList[ChangeFunction]
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		doc:          NewDocument(),
		entityWrites: map[Id]*writeState{},
		fieldWrites:  map[Id]map[string]*writeState{},
	}
}

func (self *DocumentStore) AddChangeCallback(changeCallback ChangeFunction) func() {
	return self.changeCallbacks.Add(changeCallback)
}

func (self *DocumentStore) notify(op *Operation) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[store]change callback panic = %v\n", r)
				}
			}()
			changeCallback(op)
		}()
	}
}

// Reset replaces the document with a snapshot. all write metadata is
// dropped; ops at or below `snapshotSeq` are considered applied.
func (self *DocumentStore) Reset(doc *Document, snapshotSeq uint64) {
	self.mutex.Lock()
	if doc == nil {
		doc = NewDocument()
	}
	self.doc = doc.Copy()
	self.baselineSeq = snapshotSeq
	self.entityWrites = map[Id]*writeState{}
	self.fieldWrites = map[Id]map[string]*writeState{}
	self.deferred = nil
	self.mutex.Unlock()

	self.notify(nil)
}

// Document returns a deep copy of the current document.
func (self *DocumentStore) Document() *Document {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.doc.Copy()
}

func (self *DocumentStore) GetTextBox(textBoxId Id) (*TextBox, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	textBox, ok := self.doc.TextBoxes[textBoxId]
	if !ok {
		return nil, false
	}
	return textBox.Copy(), true
}

func (self *DocumentStore) GetComment(commentId Id) (*Comment, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	comment, ok := self.doc.Comments[commentId]
	if !ok {
		return nil, false
	}
	return comment.Copy(), true
}

func (self *DocumentStore) entityWrite(target Id) *writeState {
	ws, ok := self.entityWrites[target]
	if !ok {
		ws = &writeState{
			seq: self.baselineSeq,
		}
		self.entityWrites[target] = ws
	}
	return ws
}

func (self *DocumentStore) fieldWrite(target Id, field string) *writeState {
	fields, ok := self.fieldWrites[target]
	if !ok {
		fields = map[string]*writeState{}
		self.fieldWrites[target] = fields
	}
	fw, ok := fields[field]
	if !ok {
		fw = &writeState{
			seq: self.baselineSeq,
		}
		fields[field] = fw
	}
	return fw
}

// blocked means the op touches an (entity, field) pair with a pending
// local write and must be deferred rather than committed
func (self *DocumentStore) blocked(op *Operation) bool {
	if ws, ok := self.entityWrites[op.Target]; ok && 0 < ws.pendingCount {
		return true
	}
	if op.Kind == OpDelete {
		// a delete also races pending field writes on the target
		for _, fw := range self.fieldWrites[op.Target] {
			if 0 < fw.pendingCount {
				return true
			}
		}
		return false
	}
	if op.Kind == OpUpdate {
		if fields, ok := self.fieldWrites[op.Target]; ok {
			for _, field := range op.Fields() {
				if fw, ok := fields[field]; ok && 0 < fw.pendingCount {
					return true
				}
			}
		}
	}
	return false
}

// validate the op against current document state. used on the server
// before sequencing and on the client before an optimistic apply.
func (self *DocumentStore) validate(op *Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	switch op.Kind {
	case OpCreate:
		switch op.Entity {
		case EntityTextBox:
			if _, ok := self.doc.TextBoxes[op.Target]; ok {
				return ErrTargetExists
			}
			return validateTextBox(op.TextBox)
		case EntityComment:
			if _, ok := self.doc.Comments[op.Target]; ok {
				return ErrTargetExists
			}
			return validateComment(op.Comment, self.doc)
		}
	case OpUpdate:
		switch op.Entity {
		case EntityTextBox:
			if _, ok := self.doc.TextBoxes[op.Target]; !ok {
				return ErrNotFound
			}
		case EntityComment:
			if _, ok := self.doc.Comments[op.Target]; !ok {
				return ErrNotFound
			}
		}
	case OpDelete:
		switch op.Entity {
		case EntityTextBox:
			if _, ok := self.doc.TextBoxes[op.Target]; !ok {
				return ErrNotFound
			}
		case EntityComment:
			if _, ok := self.doc.Comments[op.Target]; !ok {
				return ErrNotFound
			}
		}
	}
	return nil
}

// Apply validates and commits a sequenced operation. this is the
// authoritative server path. the op must have its op id assigned.
func (self *DocumentStore) Apply(op *Operation) error {
	self.mutex.Lock()
	if err := self.validate(op); err != nil {
		self.mutex.Unlock()
		return err
	}
	applied := self.commit(op)
	self.mutex.Unlock()

	if applied {
		self.notify(op)
	}
	return nil
}

// ApplyRemote commits a sequenced operation on a replica. invalid or stale
// ops are dropped, not errors: the sequencer already validated them against
// the authoritative document, so a mismatch here only means this replica
// has already converged past the op. ops racing a pending local write are
// deferred per 4.4.
func (self *DocumentStore) ApplyRemote(op *Operation) {
	self.mutex.Lock()
	applied := false
	if self.blocked(op) {
		if op.Kind == OpUpdate {
			// apply the non-pending fields now, keep the op around for the
			// pending ones
			applied = self.commit(op)
		}
		self.deferred = append(self.deferred, op)
		glog.V(2).Infof("[store]defer %s\n", op)
	} else {
		applied = self.commit(op)
	}
	self.mutex.Unlock()

	if applied {
		self.notify(op)
	}
}

// commit writes the op's values subject to the per-field seq tie-break.
// returns whether anything changed. caller holds the mutex.
func (self *DocumentStore) commit(op *Operation) bool {
	switch op.Kind {
	case OpCreate:
		ws := self.entityWrite(op.Target)
		if op.OpId <= ws.seq {
			// stale or redelivered
			return false
		}
		switch op.Entity {
		case EntityTextBox:
			if _, ok := self.doc.TextBoxes[op.Target]; ok {
				return false
			}
			self.doc.TextBoxes[op.Target] = op.TextBox.Copy()
		case EntityComment:
			if _, ok := self.doc.Comments[op.Target]; ok {
				return false
			}
			// the referenced text box may have been deleted by a later
			// sequenced op that this replica already applied. the sequencer
			// cascaded this comment in that case, so skip it entirely.
			if _, ok := self.doc.TextBoxes[op.Comment.TextBoxId]; !ok {
				ws.seq = op.OpId
				ws.origin = op.Origin
				return false
			}
			self.doc.Comments[op.Target] = op.Comment.Copy()
		}
		ws.seq = op.OpId
		ws.origin = op.Origin
		return true
	case OpUpdate:
		fields := map[string]bool{}
		for _, field := range op.Fields() {
			fw := self.fieldWrite(op.Target, field)
			if 0 < fw.pendingCount {
				continue
			}
			if op.OpId <= fw.seq {
				continue
			}
			fields[field] = true
			fw.seq = op.OpId
			fw.origin = op.Origin
		}
		if len(fields) == 0 {
			return false
		}
		switch op.Entity {
		case EntityTextBox:
			textBox, ok := self.doc.TextBoxes[op.Target]
			if !ok {
				return false
			}
			op.TextBoxDiff.apply(textBox, fields)
		case EntityComment:
			comment, ok := self.doc.Comments[op.Target]
			if !ok {
				return false
			}
			op.CommentDiff.apply(comment, fields)
		}
		return true
	case OpDelete:
		ws := self.entityWrite(op.Target)
		if op.OpId <= ws.seq {
			return false
		}
		ws.seq = op.OpId
		ws.origin = op.Origin
		return self.removeEntity(op.Entity, op.Target, op.OpId, op.Origin)
	}
	return false
}

// removeEntity deletes the entity and, for text boxes, cascades deletion of
// every comment referencing it. caller holds the mutex.
func (self *DocumentStore) removeEntity(entity EntityKind, target Id, opId uint64, origin Id) bool {
	switch entity {
	case EntityTextBox:
		if _, ok := self.doc.TextBoxes[target]; !ok {
			return false
		}
		delete(self.doc.TextBoxes, target)
		delete(self.fieldWrites, target)
		for commentId, comment := range self.doc.Comments {
			if comment.TextBoxId == target {
				delete(self.doc.Comments, commentId)
				delete(self.fieldWrites, commentId)
				cws := self.entityWrite(commentId)
				cws.seq = opId
				cws.origin = origin
			}
		}
		return true
	case EntityComment:
		if _, ok := self.doc.Comments[target]; !ok {
			return false
		}
		delete(self.doc.Comments, target)
		delete(self.fieldWrites, target)
		return true
	}
	return false
}

// ApplyOptimistic validates and applies a local intent before it has been
// sequenced. the touched (entity, field) pairs are marked pending until
// Confirm or Rollback.
func (self *DocumentStore) ApplyOptimistic(op *Operation) error {
	self.mutex.Lock()
	if err := self.validate(op); err != nil {
		self.mutex.Unlock()
		return err
	}
	switch op.Kind {
	case OpCreate:
		switch op.Entity {
		case EntityTextBox:
			self.doc.TextBoxes[op.Target] = op.TextBox.Copy()
		case EntityComment:
			self.doc.Comments[op.Target] = op.Comment.Copy()
		}
		self.entityWrite(op.Target).pendingCount += 1
	case OpUpdate:
		switch op.Entity {
		case EntityTextBox:
			op.TextBoxDiff.apply(self.doc.TextBoxes[op.Target], nil)
		case EntityComment:
			op.CommentDiff.apply(self.doc.Comments[op.Target], nil)
		}
		for _, field := range op.Fields() {
			self.fieldWrite(op.Target, field).pendingCount += 1
		}
	case OpDelete:
		// note the comment cascade runs at Confirm, with the sequenced op
		// id, so a rollback does not need to resurrect cascaded comments
		switch op.Entity {
		case EntityTextBox:
			delete(self.doc.TextBoxes, op.Target)
		case EntityComment:
			delete(self.doc.Comments, op.Target)
		}
		self.entityWrite(op.Target).pendingCount += 1
	}
	self.mutex.Unlock()

	self.notify(op)
	return nil
}

// Confirm records the sequencer-assigned op id for an optimistic apply and
// releases the pending marks. deferred remote ops are reconsidered.
func (self *DocumentStore) Confirm(op *Operation) {
	self.mutex.Lock()
	switch op.Kind {
	case OpCreate, OpDelete:
		ws := self.entityWrite(op.Target)
		if 0 < ws.pendingCount {
			ws.pendingCount -= 1
		}
		if ws.seq < op.OpId {
			ws.seq = op.OpId
			ws.origin = op.Origin
		}
		if op.Kind == OpDelete && op.Entity == EntityTextBox {
			// cascade with the final op id. also catches comments created
			// by remote ops sequenced before this delete but applied here
			// after the optimistic removal.
			delete(self.doc.TextBoxes, op.Target)
			delete(self.fieldWrites, op.Target)
			for commentId, comment := range self.doc.Comments {
				if comment.TextBoxId == op.Target {
					delete(self.doc.Comments, commentId)
					delete(self.fieldWrites, commentId)
					cws := self.entityWrite(commentId)
					cws.seq = op.OpId
					cws.origin = op.Origin
				}
			}
		}
	case OpUpdate:
		for _, field := range op.Fields() {
			fw := self.fieldWrite(op.Target, field)
			if 0 < fw.pendingCount {
				fw.pendingCount -= 1
			}
			if fw.seq < op.OpId {
				fw.seq = op.OpId
				fw.origin = op.Origin
			}
		}
	}
	drained := self.drainDeferred()
	self.mutex.Unlock()

	for _, drainedOp := range drained {
		self.notify(drainedOp)
	}
}

// Rollback undoes an optimistic apply whose op was rejected by the
// sequencer, restoring prior values from the op's inverse. deferred remote
// ops are reconsidered, so a remote write that raced the rejected op lands
// afterward.
func (self *DocumentStore) Rollback(op *Operation) {
	inverse := op.Inverse()

	self.mutex.Lock()
	switch op.Kind {
	case OpCreate:
		ws := self.entityWrite(op.Target)
		if 0 < ws.pendingCount {
			ws.pendingCount -= 1
		}
		if ws.pendingCount == 0 {
			switch op.Entity {
			case EntityTextBox:
				delete(self.doc.TextBoxes, op.Target)
			case EntityComment:
				delete(self.doc.Comments, op.Target)
			}
		}
	case OpUpdate:
		for _, field := range op.Fields() {
			fw := self.fieldWrite(op.Target, field)
			if 0 < fw.pendingCount {
				fw.pendingCount -= 1
			}
		}
		restore := map[string]bool{}
		for _, field := range op.Fields() {
			if self.fieldWrite(op.Target, field).pendingCount == 0 {
				restore[field] = true
			}
		}
		switch op.Entity {
		case EntityTextBox:
			if textBox, ok := self.doc.TextBoxes[op.Target]; ok {
				inverse.TextBoxDiff.apply(textBox, restore)
			}
		case EntityComment:
			if comment, ok := self.doc.Comments[op.Target]; ok {
				inverse.CommentDiff.apply(comment, restore)
			}
		}
	case OpDelete:
		ws := self.entityWrite(op.Target)
		if 0 < ws.pendingCount {
			ws.pendingCount -= 1
		}
		if ws.pendingCount == 0 {
			switch op.Entity {
			case EntityTextBox:
				if op.TextBox != nil {
					self.doc.TextBoxes[op.Target] = op.TextBox.Copy()
				}
			case EntityComment:
				if op.Comment != nil {
					self.doc.Comments[op.Target] = op.Comment.Copy()
				}
			}
		}
	}
	drained := self.drainDeferred()
	self.mutex.Unlock()

	self.notify(inverse)
	for _, drainedOp := range drained {
		self.notify(drainedOp)
	}
}

// caller holds the mutex. returns the ops that changed the document so
// the caller can notify change subscribers after releasing the mutex.
func (self *DocumentStore) drainDeferred() []*Operation {
	if len(self.deferred) == 0 {
		return nil
	}
	var committed []*Operation
	remaining := []*Operation{}
	for _, op := range self.deferred {
		if self.blocked(op) {
			remaining = append(remaining, op)
			continue
		}
		if self.commit(op) {
			committed = append(committed, op)
		}
	}
	self.deferred = remaining
	return committed
}

// CanInvert reports whether undoing `op` is still valid for the connection
// `origin`: the target must exist (or not exist, for a delete) and no field
// the inverse would write may have been last written by another connection.
// see the undo policy note in DESIGN.md.
func (self *DocumentStore) CanInvert(op *Operation, origin Id) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	exists := false
	switch op.Entity {
	case EntityTextBox:
		_, exists = self.doc.TextBoxes[op.Target]
	case EntityComment:
		_, exists = self.doc.Comments[op.Target]
	}

	switch op.Kind {
	case OpCreate:
		// undo deletes the entity. suppressed if it is already gone or a
		// remote connection has edited it since.
		if !exists {
			return false
		}
		for _, fw := range self.fieldWrites[op.Target] {
			if fw.origin != origin && self.baselineSeq < fw.seq {
				return false
			}
		}
		return true
	case OpUpdate:
		if !exists {
			return false
		}
		for _, field := range op.Fields() {
			fields, ok := self.fieldWrites[op.Target]
			if !ok {
				continue
			}
			fw, ok := fields[field]
			if !ok {
				continue
			}
			if fw.origin != origin && self.baselineSeq < fw.seq {
				return false
			}
		}
		return true
	case OpDelete:
		// undo recreates the entity. suppressed if something else already
		// lives under the id or the delete was not the last write.
		if exists {
			return false
		}
		if ws, ok := self.entityWrites[op.Target]; ok {
			if ws.origin != origin && self.baselineSeq < ws.seq {
				return false
			}
		}
		return true
	}
	return false
}
