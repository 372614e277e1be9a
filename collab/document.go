package collab

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("entity not found")

// a diff that cannot be applied, e.g. negative width
type InvalidDiffError struct {
	Field   string
	Message string
}

func (self *InvalidDiffError) Error() string {
	return fmt.Sprintf("invalid diff: %s: %s", self.Field, self.Message)
}

func invalidDiff(field string, format string, a ...any) error {
	return &InvalidDiffError{
		Field:   field,
		Message: fmt.Sprintf(format, a...),
	}
}

type TextBox struct {
	Id       Id      `cbor:"1,keyasint"`
	X        float64 `cbor:"2,keyasint"`
	Y        float64 `cbor:"3,keyasint"`
	Width    float64 `cbor:"4,keyasint"`
	Height   float64 `cbor:"5,keyasint"`
	Text     string  `cbor:"6,keyasint"`
	Color    string  `cbor:"7,keyasint"`
	FontSize float64 `cbor:"8,keyasint"`
}

func (self *TextBox) Copy() *TextBox {
	copy := *self
	return &copy
}

// `TextBoxId` is a reference, not ownership. the store cascades comment
// deletion when the referenced text box is deleted.
type Comment struct {
	Id        Id      `cbor:"1,keyasint"`
	TextBoxId Id      `cbor:"2,keyasint"`
	X         float64 `cbor:"3,keyasint"`
	Y         float64 `cbor:"4,keyasint"`
	Text      string  `cbor:"5,keyasint"`
	Author    string  `cbor:"6,keyasint"`
	Timestamp int64   `cbor:"7,keyasint"`
}

func (self *Comment) Copy() *Comment {
	copy := *self
	return &copy
}

// one per room, replicated to every connection
type Document struct {
	TextBoxes map[Id]*TextBox `cbor:"1,keyasint"`
	Comments  map[Id]*Comment `cbor:"2,keyasint"`
}

func NewDocument() *Document {
	return &Document{
		TextBoxes: map[Id]*TextBox{},
		Comments:  map[Id]*Comment{},
	}
}

func (self *Document) Copy() *Document {
	doc := NewDocument()
	for textBoxId, textBox := range self.TextBoxes {
		doc.TextBoxes[textBoxId] = textBox.Copy()
	}
	for commentId, comment := range self.Comments {
		doc.Comments[commentId] = comment.Copy()
	}
	return doc
}

// field names used in per-field write tracking and diff enumeration
const (
	FieldX         = "x"
	FieldY         = "y"
	FieldWidth     = "width"
	FieldHeight    = "height"
	FieldText      = "text"
	FieldColor     = "color"
	FieldFontSize  = "fontSize"
	FieldTimestamp = "timestamp"
)

// partial update of a text box. nil fields are untouched.
type TextBoxDiff struct {
	X        *float64 `cbor:"1,keyasint,omitempty"`
	Y        *float64 `cbor:"2,keyasint,omitempty"`
	Width    *float64 `cbor:"3,keyasint,omitempty"`
	Height   *float64 `cbor:"4,keyasint,omitempty"`
	Text     *string  `cbor:"5,keyasint,omitempty"`
	Color    *string  `cbor:"6,keyasint,omitempty"`
	FontSize *float64 `cbor:"7,keyasint,omitempty"`
}

func (self *TextBoxDiff) IsEmpty() bool {
	return self.X == nil &&
		self.Y == nil &&
		self.Width == nil &&
		self.Height == nil &&
		self.Text == nil &&
		self.Color == nil &&
		self.FontSize == nil
}

func (self *TextBoxDiff) Fields() []string {
	fields := []string{}
	if self.X != nil {
		fields = append(fields, FieldX)
	}
	if self.Y != nil {
		fields = append(fields, FieldY)
	}
	if self.Width != nil {
		fields = append(fields, FieldWidth)
	}
	if self.Height != nil {
		fields = append(fields, FieldHeight)
	}
	if self.Text != nil {
		fields = append(fields, FieldText)
	}
	if self.Color != nil {
		fields = append(fields, FieldColor)
	}
	if self.FontSize != nil {
		fields = append(fields, FieldFontSize)
	}
	return fields
}

func (self *TextBoxDiff) Validate() error {
	if self.Width != nil && *self.Width <= 0 {
		return invalidDiff(FieldWidth, "must be positive, got %f", *self.Width)
	}
	if self.Height != nil && *self.Height <= 0 {
		return invalidDiff(FieldHeight, "must be positive, got %f", *self.Height)
	}
	if self.FontSize != nil && *self.FontSize <= 0 {
		return invalidDiff(FieldFontSize, "must be positive, got %f", *self.FontSize)
	}
	return nil
}

// returns the subset of fields that changed and the inverse with prior values
func (self *TextBoxDiff) invert(textBox *TextBox) *TextBoxDiff {
	inverse := &TextBoxDiff{}
	if self.X != nil {
		x := textBox.X
		inverse.X = &x
	}
	if self.Y != nil {
		y := textBox.Y
		inverse.Y = &y
	}
	if self.Width != nil {
		width := textBox.Width
		inverse.Width = &width
	}
	if self.Height != nil {
		height := textBox.Height
		inverse.Height = &height
	}
	if self.Text != nil {
		text := textBox.Text
		inverse.Text = &text
	}
	if self.Color != nil {
		color := textBox.Color
		inverse.Color = &color
	}
	if self.FontSize != nil {
		fontSize := textBox.FontSize
		inverse.FontSize = &fontSize
	}
	return inverse
}

// apply writes the diff fields to the text box, restricted to `fields` when non-nil
func (self *TextBoxDiff) apply(textBox *TextBox, fields map[string]bool) {
	set := func(field string) bool {
		return fields == nil || fields[field]
	}
	if self.X != nil && set(FieldX) {
		textBox.X = *self.X
	}
	if self.Y != nil && set(FieldY) {
		textBox.Y = *self.Y
	}
	if self.Width != nil && set(FieldWidth) {
		textBox.Width = *self.Width
	}
	if self.Height != nil && set(FieldHeight) {
		textBox.Height = *self.Height
	}
	if self.Text != nil && set(FieldText) {
		textBox.Text = *self.Text
	}
	if self.Color != nil && set(FieldColor) {
		textBox.Color = *self.Color
	}
	if self.FontSize != nil && set(FieldFontSize) {
		textBox.FontSize = *self.FontSize
	}
}

// partial update of a comment. comments keep their text box reference and
// author for life, so only position and text are mutable.
type CommentDiff struct {
	X    *float64 `cbor:"1,keyasint,omitempty"`
	Y    *float64 `cbor:"2,keyasint,omitempty"`
	Text *string  `cbor:"3,keyasint,omitempty"`
}

func (self *CommentDiff) IsEmpty() bool {
	return self.X == nil && self.Y == nil && self.Text == nil
}

func (self *CommentDiff) Fields() []string {
	fields := []string{}
	if self.X != nil {
		fields = append(fields, FieldX)
	}
	if self.Y != nil {
		fields = append(fields, FieldY)
	}
	if self.Text != nil {
		fields = append(fields, FieldText)
	}
	return fields
}

func (self *CommentDiff) Validate() error {
	return nil
}

func (self *CommentDiff) invert(comment *Comment) *CommentDiff {
	inverse := &CommentDiff{}
	if self.X != nil {
		x := comment.X
		inverse.X = &x
	}
	if self.Y != nil {
		y := comment.Y
		inverse.Y = &y
	}
	if self.Text != nil {
		text := comment.Text
		inverse.Text = &text
	}
	return inverse
}

func (self *CommentDiff) apply(comment *Comment, fields map[string]bool) {
	set := func(field string) bool {
		return fields == nil || fields[field]
	}
	if self.X != nil && set(FieldX) {
		comment.X = *self.X
	}
	if self.Y != nil && set(FieldY) {
		comment.Y = *self.Y
	}
	if self.Text != nil && set(FieldText) {
		comment.Text = *self.Text
	}
}

func validateTextBox(textBox *TextBox) error {
	if textBox.Id.IsZero() {
		return invalidDiff("id", "missing id")
	}
	if textBox.Width <= 0 {
		return invalidDiff(FieldWidth, "must be positive, got %f", textBox.Width)
	}
	if textBox.Height <= 0 {
		return invalidDiff(FieldHeight, "must be positive, got %f", textBox.Height)
	}
	if textBox.FontSize <= 0 {
		return invalidDiff(FieldFontSize, "must be positive, got %f", textBox.FontSize)
	}
	return nil
}

func validateComment(comment *Comment, doc *Document) error {
	if comment.Id.IsZero() {
		return invalidDiff("id", "missing id")
	}
	if comment.TextBoxId.IsZero() {
		return invalidDiff("textBoxId", "missing text box reference")
	}
	if _, ok := doc.TextBoxes[comment.TextBoxId]; !ok {
		// a comment must reference a live text box
		return ErrNotFound
	}
	return nil
}
