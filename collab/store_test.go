package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func storeWithTextBox(t *testing.T) (*DocumentStore, *TextBox) {
	store := NewDocumentStore()
	textBox := testTextBox()
	err := store.Apply(&Operation{
		OpId:    1,
		Origin:  NewId(),
		Kind:    OpCreate,
		Entity:  EntityTextBox,
		Target:  textBox.Id,
		TextBox: textBox,
	})
	assert.Equal(t, nil, err)
	return store, textBox
}

func TestStoreApplySequenced(t *testing.T) {
	store, textBox := storeWithTextBox(t)

	err := store.Apply(&Operation{
		OpId:        2,
		Origin:      NewId(),
		Kind:        OpUpdate,
		Entity:      EntityTextBox,
		Target:      textBox.Id,
		TextBoxDiff: &TextBoxDiff{Text: ptr("edited")},
	})
	assert.Equal(t, nil, err)

	current, ok := store.GetTextBox(textBox.Id)
	assert.Equal(t, true, ok)
	assert.Equal(t, "edited", current.Text)

	err = store.Apply(&Operation{
		OpId:   3,
		Origin: NewId(),
		Kind:   OpDelete,
		Entity: EntityTextBox,
		Target: textBox.Id,
	})
	assert.Equal(t, nil, err)

	_, ok = store.GetTextBox(textBox.Id)
	assert.Equal(t, false, ok)

	// updating a deleted entity is rejected
	err = store.Apply(&Operation{
		OpId:        4,
		Origin:      NewId(),
		Kind:        OpUpdate,
		Entity:      EntityTextBox,
		Target:      textBox.Id,
		TextBoxDiff: &TextBoxDiff{Text: ptr("late")},
	})
	assert.Equal(t, ErrNotFound, err)
}

func TestStoreApplyValidation(t *testing.T) {
	store, textBox := storeWithTextBox(t)

	// duplicate create
	err := store.Apply(&Operation{
		OpId:    2,
		Origin:  NewId(),
		Kind:    OpCreate,
		Entity:  EntityTextBox,
		Target:  textBox.Id,
		TextBox: textBox,
	})
	assert.Equal(t, ErrTargetExists, err)

	// invalid diff
	err = store.Apply(&Operation{
		OpId:        2,
		Origin:      NewId(),
		Kind:        OpCreate,
		Entity:      EntityTextBox,
		Target:      NewId(),
		TextBox:     &TextBox{},
		TextBoxDiff: nil,
	})
	assert.NotEqual(t, nil, err)

	// comment must reference a live text box
	comment := testComment(NewId())
	err = store.Apply(&Operation{
		OpId:    2,
		Origin:  NewId(),
		Kind:    OpCreate,
		Entity:  EntityComment,
		Target:  comment.Id,
		Comment: comment,
	})
	assert.Equal(t, ErrNotFound, err)
}

func TestStoreLastWriterWinsPerField(t *testing.T) {
	store, textBox := storeWithTextBox(t)

	// the later sequenced write arrives first
	store.ApplyRemote(&Operation{
		OpId:        5,
		Origin:      NewId(),
		Kind:        OpUpdate,
		Entity:      EntityTextBox,
		Target:      textBox.Id,
		TextBoxDiff: &TextBoxDiff{Text: ptr("late")},
	})
	store.ApplyRemote(&Operation{
		OpId:        3,
		Origin:      NewId(),
		Kind:        OpUpdate,
		Entity:      EntityTextBox,
		Target:      textBox.Id,
		TextBoxDiff: &TextBoxDiff{Text: ptr("early"), X: ptr(77.0)},
	})

	current, _ := store.GetTextBox(textBox.Id)
	// text keeps the higher op id, x from the earlier op still lands
	assert.Equal(t, "late", current.Text)
	assert.Equal(t, 77.0, current.X)
}

func TestStoreConcurrentDifferentFields(t *testing.T) {
	store, textBox := storeWithTextBox(t)

	store.ApplyRemote(&Operation{
		OpId:        2,
		Origin:      NewId(),
		Kind:        OpUpdate,
		Entity:      EntityTextBox,
		Target:      textBox.Id,
		TextBoxDiff: &TextBoxDiff{X: ptr(100.0)},
	})
	store.ApplyRemote(&Operation{
		OpId:        3,
		Origin:      NewId(),
		Kind:        OpUpdate,
		Entity:      EntityTextBox,
		Target:      textBox.Id,
		TextBoxDiff: &TextBoxDiff{Text: ptr("edited")},
	})

	current, _ := store.GetTextBox(textBox.Id)
	assert.Equal(t, 100.0, current.X)
	assert.Equal(t, "edited", current.Text)
}

func TestStoreRedeliveredOpIgnored(t *testing.T) {
	store, textBox := storeWithTextBox(t)

	op := &Operation{
		OpId:        2,
		Origin:      NewId(),
		Kind:        OpUpdate,
		Entity:      EntityTextBox,
		Target:      textBox.Id,
		TextBoxDiff: &TextBoxDiff{Text: ptr("once")},
	}
	store.ApplyRemote(op)
	store.ApplyRemote(&Operation{
		OpId:        3,
		Origin:      NewId(),
		Kind:        OpUpdate,
		Entity:      EntityTextBox,
		Target:      textBox.Id,
		TextBoxDiff: &TextBoxDiff{Text: ptr("twice")},
	})
	// redelivery of op 2 must not clobber op 3
	store.ApplyRemote(op)

	current, _ := store.GetTextBox(textBox.Id)
	assert.Equal(t, "twice", current.Text)
}

func TestStoreOptimisticConfirm(t *testing.T) {
	store, textBox := storeWithTextBox(t)
	origin := NewId()

	op := &Operation{
		Origin:             origin,
		Kind:               OpUpdate,
		Entity:             EntityTextBox,
		Target:             textBox.Id,
		TextBoxDiff:        &TextBoxDiff{Text: ptr("local")},
		InverseTextBoxDiff: &TextBoxDiff{Text: ptr(textBox.Text)},
	}
	err := store.ApplyOptimistic(op)
	assert.Equal(t, nil, err)

	// visible immediately
	current, _ := store.GetTextBox(textBox.Id)
	assert.Equal(t, "local", current.Text)

	op.OpId = 2
	store.Confirm(op)

	// a stale remote write on the field is now ignored
	store.ApplyRemote(&Operation{
		OpId:        2,
		Origin:      NewId(),
		Kind:        OpUpdate,
		Entity:      EntityTextBox,
		Target:      textBox.Id,
		TextBoxDiff: &TextBoxDiff{Text: ptr("stale")},
	})
	current, _ = store.GetTextBox(textBox.Id)
	assert.Equal(t, "local", current.Text)
}

func TestStoreOptimisticRollback(t *testing.T) {
	store, textBox := storeWithTextBox(t)
	origin := NewId()

	op := &Operation{
		Origin:             origin,
		Kind:               OpUpdate,
		Entity:             EntityTextBox,
		Target:             textBox.Id,
		TextBoxDiff:        &TextBoxDiff{Text: ptr("local")},
		InverseTextBoxDiff: &TextBoxDiff{Text: ptr(textBox.Text)},
	}
	err := store.ApplyOptimistic(op)
	assert.Equal(t, nil, err)

	store.Rollback(op)

	current, _ := store.GetTextBox(textBox.Id)
	assert.Equal(t, "hello", current.Text)
}

func TestStoreRollbackCreate(t *testing.T) {
	store := NewDocumentStore()
	textBox := testTextBox()

	op := &Operation{
		Origin:  NewId(),
		Kind:    OpCreate,
		Entity:  EntityTextBox,
		Target:  textBox.Id,
		TextBox: textBox,
	}
	err := store.ApplyOptimistic(op)
	assert.Equal(t, nil, err)
	_, ok := store.GetTextBox(textBox.Id)
	assert.Equal(t, true, ok)

	store.Rollback(op)
	_, ok = store.GetTextBox(textBox.Id)
	assert.Equal(t, false, ok)
}

func TestStoreRollbackDelete(t *testing.T) {
	store, textBox := storeWithTextBox(t)

	op := &Operation{
		Origin:  NewId(),
		Kind:    OpDelete,
		Entity:  EntityTextBox,
		Target:  textBox.Id,
		TextBox: textBox,
	}
	err := store.ApplyOptimistic(op)
	assert.Equal(t, nil, err)
	_, ok := store.GetTextBox(textBox.Id)
	assert.Equal(t, false, ok)

	store.Rollback(op)
	current, ok := store.GetTextBox(textBox.Id)
	assert.Equal(t, true, ok)
	assert.Equal(t, "hello", current.Text)
}

func TestStoreDeferRemoteOnPendingField(t *testing.T) {
	store, textBox := storeWithTextBox(t)
	origin := NewId()

	local := &Operation{
		Origin:             origin,
		Kind:               OpUpdate,
		Entity:             EntityTextBox,
		Target:             textBox.Id,
		TextBoxDiff:        &TextBoxDiff{Text: ptr("local")},
		InverseTextBoxDiff: &TextBoxDiff{Text: ptr(textBox.Text)},
	}
	err := store.ApplyOptimistic(local)
	assert.Equal(t, nil, err)

	// remote op touches the pending text field and a free field. x lands
	// now, text is deferred.
	store.ApplyRemote(&Operation{
		OpId:        5,
		Origin:      NewId(),
		Kind:        OpUpdate,
		Entity:      EntityTextBox,
		Target:      textBox.Id,
		TextBoxDiff: &TextBoxDiff{Text: ptr("remote"), X: ptr(77.0)},
	})
	current, _ := store.GetTextBox(textBox.Id)
	assert.Equal(t, "local", current.Text)
	assert.Equal(t, 77.0, current.X)

	// the local op was sequenced after the remote one, so the local value
	// wins when the deferred op is reconsidered
	local.OpId = 6
	store.Confirm(local)
	current, _ = store.GetTextBox(textBox.Id)
	assert.Equal(t, "local", current.Text)
}

func TestStoreDeferRemoteWinsAfterConfirm(t *testing.T) {
	store, textBox := storeWithTextBox(t)
	origin := NewId()

	local := &Operation{
		Origin:             origin,
		Kind:               OpUpdate,
		Entity:             EntityTextBox,
		Target:             textBox.Id,
		TextBoxDiff:        &TextBoxDiff{Text: ptr("local")},
		InverseTextBoxDiff: &TextBoxDiff{Text: ptr(textBox.Text)},
	}
	err := store.ApplyOptimistic(local)
	assert.Equal(t, nil, err)

	store.ApplyRemote(&Operation{
		OpId:        5,
		Origin:      NewId(),
		Kind:        OpUpdate,
		Entity:      EntityTextBox,
		Target:      textBox.Id,
		TextBoxDiff: &TextBoxDiff{Text: ptr("remote")},
	})

	// the local op was sequenced before the remote one. once confirmed,
	// the deferred remote write lands on top.
	local.OpId = 4
	store.Confirm(local)
	current, _ := store.GetTextBox(textBox.Id)
	assert.Equal(t, "remote", current.Text)
}

func TestStoreDeferredDrainsOnRollback(t *testing.T) {
	store, textBox := storeWithTextBox(t)
	origin := NewId()

	local := &Operation{
		Origin:             origin,
		Kind:               OpUpdate,
		Entity:             EntityTextBox,
		Target:             textBox.Id,
		TextBoxDiff:        &TextBoxDiff{Text: ptr("local")},
		InverseTextBoxDiff: &TextBoxDiff{Text: ptr(textBox.Text)},
	}
	err := store.ApplyOptimistic(local)
	assert.Equal(t, nil, err)

	store.ApplyRemote(&Operation{
		OpId:        5,
		Origin:      NewId(),
		Kind:        OpUpdate,
		Entity:      EntityTextBox,
		Target:      textBox.Id,
		TextBoxDiff: &TextBoxDiff{Text: ptr("remote")},
	})

	ops := []*Operation{}
	store.AddChangeCallback(func(op *Operation) {
		ops = append(ops, op)
	})

	// the rejected local write rolls back and the deferred remote write
	// lands instead of the stale restored value
	store.Rollback(local)
	current, _ := store.GetTextBox(textBox.Id)
	assert.Equal(t, "remote", current.Text)

	// subscribers hear the rollback inverse and then the drained remote op
	assert.Equal(t, 2, len(ops))
	assert.Equal(t, uint64(5), ops[1].OpId)
}

func TestStoreDeferredDrainNotifiesOnConfirm(t *testing.T) {
	store, textBox := storeWithTextBox(t)
	origin := NewId()

	local := &Operation{
		Origin:             origin,
		Kind:               OpUpdate,
		Entity:             EntityTextBox,
		Target:             textBox.Id,
		TextBoxDiff:        &TextBoxDiff{Text: ptr("local")},
		InverseTextBoxDiff: &TextBoxDiff{Text: ptr(textBox.Text)},
	}
	err := store.ApplyOptimistic(local)
	assert.Equal(t, nil, err)

	store.ApplyRemote(&Operation{
		OpId:        3,
		Origin:      NewId(),
		Kind:        OpUpdate,
		Entity:      EntityTextBox,
		Target:      textBox.Id,
		TextBoxDiff: &TextBoxDiff{Text: ptr("remote wins")},
	})

	ops := []*Operation{}
	store.AddChangeCallback(func(op *Operation) {
		ops = append(ops, op)
	})

	// confirming the local write at a lower op id lets the deferred remote
	// write land. subscribers must hear about it, or the rendered document
	// keeps the rolled-over local value
	local.OpId = 2
	store.Confirm(local)

	current, _ := store.GetTextBox(textBox.Id)
	assert.Equal(t, "remote wins", current.Text)
	assert.Equal(t, 1, len(ops))
	assert.Equal(t, uint64(3), ops[0].OpId)
}

func TestStoreCascadeDelete(t *testing.T) {
	store, textBox := storeWithTextBox(t)

	comment := testComment(textBox.Id)
	err := store.Apply(&Operation{
		OpId:    2,
		Origin:  NewId(),
		Kind:    OpCreate,
		Entity:  EntityComment,
		Target:  comment.Id,
		Comment: comment,
	})
	assert.Equal(t, nil, err)

	err = store.Apply(&Operation{
		OpId:   3,
		Origin: NewId(),
		Kind:   OpDelete,
		Entity: EntityTextBox,
		Target: textBox.Id,
	})
	assert.Equal(t, nil, err)

	_, ok := store.GetComment(comment.Id)
	assert.Equal(t, false, ok)
}

func TestStoreOptimisticDeleteCascadesOnConfirm(t *testing.T) {
	store, textBox := storeWithTextBox(t)
	origin := NewId()

	comment := testComment(textBox.Id)
	err := store.Apply(&Operation{
		OpId:    2,
		Origin:  NewId(),
		Kind:    OpCreate,
		Entity:  EntityComment,
		Target:  comment.Id,
		Comment: comment,
	})
	assert.Equal(t, nil, err)

	op := &Operation{
		Origin:  origin,
		Kind:    OpDelete,
		Entity:  EntityTextBox,
		Target:  textBox.Id,
		TextBox: textBox,
	}
	err = store.ApplyOptimistic(op)
	assert.Equal(t, nil, err)

	op.OpId = 3
	store.Confirm(op)

	_, ok := store.GetTextBox(textBox.Id)
	assert.Equal(t, false, ok)
	_, ok = store.GetComment(comment.Id)
	assert.Equal(t, false, ok)
}

func TestStoreRemoteCommentOnDeletedTextBoxSkipped(t *testing.T) {
	store, textBox := storeWithTextBox(t)

	// this replica already applied the delete sequenced at op 3
	err := store.Apply(&Operation{
		OpId:   3,
		Origin: NewId(),
		Kind:   OpDelete,
		Entity: EntityTextBox,
		Target: textBox.Id,
	})
	assert.Equal(t, nil, err)

	// a comment create sequenced at op 2 arrives late. the sequencer
	// cascaded it, so the replica skips it.
	comment := testComment(textBox.Id)
	store.ApplyRemote(&Operation{
		OpId:    2,
		Origin:  NewId(),
		Kind:    OpCreate,
		Entity:  EntityComment,
		Target:  comment.Id,
		Comment: comment,
	})

	_, ok := store.GetComment(comment.Id)
	assert.Equal(t, false, ok)
}

func TestStoreCanInvert(t *testing.T) {
	store, textBox := storeWithTextBox(t)
	origin := NewId()
	other := NewId()

	update := &Operation{
		Origin:             origin,
		Kind:               OpUpdate,
		Entity:             EntityTextBox,
		Target:             textBox.Id,
		TextBoxDiff:        &TextBoxDiff{Text: ptr("mine")},
		InverseTextBoxDiff: &TextBoxDiff{Text: ptr(textBox.Text)},
	}
	err := store.ApplyOptimistic(update)
	assert.Equal(t, nil, err)
	update.OpId = 2
	store.Confirm(update)

	// own last write, invertible
	assert.Equal(t, true, store.CanInvert(update, origin))

	// another connection overwrote the field since
	store.ApplyRemote(&Operation{
		OpId:        3,
		Origin:      other,
		Kind:        OpUpdate,
		Entity:      EntityTextBox,
		Target:      textBox.Id,
		TextBoxDiff: &TextBoxDiff{Text: ptr("theirs")},
	})
	assert.Equal(t, false, store.CanInvert(update, origin))

	// an update on an untouched field is still invertible
	moveUpdate := &Operation{
		OpId:               2,
		Origin:             origin,
		Kind:               OpUpdate,
		Entity:             EntityTextBox,
		Target:             textBox.Id,
		TextBoxDiff:        &TextBoxDiff{X: ptr(50.0)},
		InverseTextBoxDiff: &TextBoxDiff{X: ptr(10.0)},
	}
	assert.Equal(t, true, store.CanInvert(moveUpdate, origin))

	// target removed by someone else
	store.ApplyRemote(&Operation{
		OpId:   4,
		Origin: other,
		Kind:   OpDelete,
		Entity: EntityTextBox,
		Target: textBox.Id,
	})
	assert.Equal(t, false, store.CanInvert(update, origin))

	// undoing the remote delete is not this connection's to do
	remoteDelete := &Operation{
		OpId:    4,
		Origin:  other,
		Kind:    OpDelete,
		Entity:  EntityTextBox,
		Target:  textBox.Id,
		TextBox: textBox,
	}
	assert.Equal(t, false, store.CanInvert(remoteDelete, origin))
}

func TestStoreResetDropsWriteState(t *testing.T) {
	store, textBox := storeWithTextBox(t)
	origin := NewId()

	local := &Operation{
		Origin:             origin,
		Kind:               OpUpdate,
		Entity:             EntityTextBox,
		Target:             textBox.Id,
		TextBoxDiff:        &TextBoxDiff{Text: ptr("local")},
		InverseTextBoxDiff: &TextBoxDiff{Text: ptr(textBox.Text)},
	}
	err := store.ApplyOptimistic(local)
	assert.Equal(t, nil, err)

	snapshotDoc := NewDocument()
	snapshotBox := testTextBox()
	snapshotDoc.TextBoxes[snapshotBox.Id] = snapshotBox
	store.Reset(snapshotDoc, 10)

	doc := store.Document()
	assert.Equal(t, 1, len(doc.TextBoxes))
	_, ok := doc.TextBoxes[snapshotBox.Id]
	assert.Equal(t, true, ok)

	// ops at or below the snapshot seq are already folded in
	store.ApplyRemote(&Operation{
		OpId:        10,
		Origin:      NewId(),
		Kind:        OpUpdate,
		Entity:      EntityTextBox,
		Target:      snapshotBox.Id,
		TextBoxDiff: &TextBoxDiff{Text: ptr("stale")},
	})
	current, _ := store.GetTextBox(snapshotBox.Id)
	assert.Equal(t, "hello", current.Text)

	store.ApplyRemote(&Operation{
		OpId:        11,
		Origin:      NewId(),
		Kind:        OpUpdate,
		Entity:      EntityTextBox,
		Target:      snapshotBox.Id,
		TextBoxDiff: &TextBoxDiff{Text: ptr("fresh")},
	})
	current, _ = store.GetTextBox(snapshotBox.Id)
	assert.Equal(t, "fresh", current.Text)
}

func TestStoreChangeCallback(t *testing.T) {
	store, textBox := storeWithTextBox(t)

	ops := []*Operation{}
	remove := store.AddChangeCallback(func(op *Operation) {
		ops = append(ops, op)
	})

	store.ApplyRemote(&Operation{
		OpId:        2,
		Origin:      NewId(),
		Kind:        OpUpdate,
		Entity:      EntityTextBox,
		Target:      textBox.Id,
		TextBoxDiff: &TextBoxDiff{Text: ptr("edited")},
	})
	assert.Equal(t, 1, len(ops))
	assert.Equal(t, OpUpdate, ops[0].Kind)

	// reset notifies with a nil op
	store.Reset(nil, 0)
	assert.Equal(t, 2, len(ops))
	assert.Equal(t, nil, ops[1])

	remove()
	store.Reset(nil, 0)
	assert.Equal(t, 2, len(ops))
}
