package collab

import (
	"fmt"
)

type OpKind uint8

const (
	OpCreate OpKind = 1
	OpUpdate OpKind = 2
	OpDelete OpKind = 3
)

func (self OpKind) String() string {
	switch self {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(self))
	}
}

type EntityKind uint8

const (
	EntityTextBox EntityKind = 1
	EntityComment EntityKind = 2
)

func (self EntityKind) String() string {
	switch self {
	case EntityTextBox:
		return "textbox"
	case EntityComment:
		return "comment"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(self))
	}
}

// an ordered, attributable mutation of the document. never mutated after
// the sequencer assigns `OpId`. an operation carries enough payload to
// derive its own inverse:
// - create carries the created entity; inverse is delete
// - update carries the diff and the inverse diff with prior values
// - delete carries the pre-delete snapshot of the entity; inverse is create
type Operation struct {
	// monotonic, room scoped. zero until assigned by the sequencer.
	OpId   uint64     `cbor:"1,keyasint,omitempty"`
	Origin Id         `cbor:"2,keyasint"`
	Kind   OpKind     `cbor:"3,keyasint"`
	Entity EntityKind `cbor:"4,keyasint"`
	Target Id         `cbor:"5,keyasint"`

	// create payload, or pre-delete snapshot on delete
	TextBox *TextBox `cbor:"6,keyasint,omitempty"`
	Comment *Comment `cbor:"7,keyasint,omitempty"`

	// update payload
	TextBoxDiff *TextBoxDiff `cbor:"8,keyasint,omitempty"`
	CommentDiff *CommentDiff `cbor:"9,keyasint,omitempty"`

	// update inverse
	InverseTextBoxDiff *TextBoxDiff `cbor:"10,keyasint,omitempty"`
	InverseCommentDiff *CommentDiff `cbor:"11,keyasint,omitempty"`
}

func (self *Operation) String() string {
	return fmt.Sprintf("op(%d %s %s %s)", self.OpId, self.Kind, self.Entity, self.Target)
}

// the fields written by this operation. create and delete touch every field.
func (self *Operation) Fields() []string {
	if self.Kind == OpUpdate {
		switch self.Entity {
		case EntityTextBox:
			if self.TextBoxDiff != nil {
				return self.TextBoxDiff.Fields()
			}
		case EntityComment:
			if self.CommentDiff != nil {
				return self.CommentDiff.Fields()
			}
		}
		return []string{}
	}
	return nil
}

// Inverse derives the operation that undoes this one. the inverse has no
// `OpId`; it is submitted through the dispatcher like any other mutation and
// is sequenced fresh.
func (self *Operation) Inverse() *Operation {
	inverse := &Operation{
		Origin: self.Origin,
		Entity: self.Entity,
		Target: self.Target,
	}
	switch self.Kind {
	case OpCreate:
		inverse.Kind = OpDelete
		inverse.TextBox = self.TextBox
		inverse.Comment = self.Comment
	case OpUpdate:
		inverse.Kind = OpUpdate
		inverse.TextBoxDiff = self.InverseTextBoxDiff
		inverse.CommentDiff = self.InverseCommentDiff
		inverse.InverseTextBoxDiff = self.TextBoxDiff
		inverse.InverseCommentDiff = self.CommentDiff
	case OpDelete:
		inverse.Kind = OpCreate
		inverse.TextBox = self.TextBox
		inverse.Comment = self.Comment
	}
	return inverse
}

// basic structural validation, independent of document state
func (self *Operation) Validate() error {
	if self.Target.IsZero() {
		return invalidDiff("target", "missing target id")
	}
	switch self.Kind {
	case OpCreate:
		switch self.Entity {
		case EntityTextBox:
			if self.TextBox == nil {
				return invalidDiff("textBox", "create without payload")
			}
			if self.TextBox.Id != self.Target {
				return invalidDiff("textBox", "payload id does not match target")
			}
		case EntityComment:
			if self.Comment == nil {
				return invalidDiff("comment", "create without payload")
			}
			if self.Comment.Id != self.Target {
				return invalidDiff("comment", "payload id does not match target")
			}
		default:
			return invalidDiff("entity", "unknown entity kind %d", self.Entity)
		}
	case OpUpdate:
		switch self.Entity {
		case EntityTextBox:
			if self.TextBoxDiff == nil || self.TextBoxDiff.IsEmpty() {
				return invalidDiff("textBoxDiff", "update without diff")
			}
			if err := self.TextBoxDiff.Validate(); err != nil {
				return err
			}
		case EntityComment:
			if self.CommentDiff == nil || self.CommentDiff.IsEmpty() {
				return invalidDiff("commentDiff", "update without diff")
			}
			if err := self.CommentDiff.Validate(); err != nil {
				return err
			}
		default:
			return invalidDiff("entity", "unknown entity kind %d", self.Entity)
		}
	case OpDelete:
		if self.Entity != EntityTextBox && self.Entity != EntityComment {
			return invalidDiff("entity", "unknown entity kind %d", self.Entity)
		}
	default:
		return invalidDiff("kind", "unknown op kind %d", self.Kind)
	}
	return nil
}
