// Package textot implements plain-text operational transformation over rune
// positions together with the document model those operations mutate.
package textot

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// MaxOffset bounds positions and lengths so transforms never overflow int.
const MaxOffset = math.MaxInt >> 2

const (
	// KindInsert inserts Text at Pos.
	KindInsert = "insert"
	// KindDelete removes Len runes starting at Pos.
	KindDelete = "delete"
)

var (
	// ErrInvalidOperation indicates a structurally invalid operation.
	ErrInvalidOperation = errors.New("textot: invalid operation")
	// ErrOutOfBounds indicates an operation addressing runes past the end of the text.
	ErrOutOfBounds = errors.New("textot: operation out of bounds")
)

// Op is a single text edit. Positions and lengths count runes.
type Op struct {
	Kind string `json:"kind"`
	Pos  int    `json:"pos"`
	Text string `json:"text,omitempty"`
	Len  int    `json:"len,omitempty"`
}

// Insert builds an insert operation.
func Insert(pos int, text string) Op {
	return Op{Kind: KindInsert, Pos: pos, Text: text}
}

// Delete builds a delete operation.
func Delete(pos, length int) Op {
	return Op{Kind: KindDelete, Pos: pos, Len: length}
}

func (op Op) validate() error {
	if op.Pos < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidOperation, op.Pos)
	}
	if op.Pos > MaxOffset {
		return fmt.Errorf("%w: position %d exceeds %d", ErrInvalidOperation, op.Pos, MaxOffset)
	}
	switch op.Kind {
	case KindInsert:
		if !utf8.ValidString(op.Text) {
			return fmt.Errorf("%w: insert text is not valid utf-8", ErrInvalidOperation)
		}
	case KindDelete:
		if op.Len < 0 {
			return fmt.Errorf("%w: negative delete length %d", ErrInvalidOperation, op.Len)
		}
		if op.Len > MaxOffset {
			return fmt.Errorf("%w: delete length %d exceeds %d", ErrInvalidOperation, op.Len, MaxOffset)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	return nil
}

func (op Op) isNoop() bool {
	switch op.Kind {
	case KindInsert:
		return op.Text == ""
	case KindDelete:
		return op.Len == 0
	}
	return false
}

func (op Op) textLen() int {
	return utf8.RuneCountInString(op.Text)
}

func (op Op) apply(text []rune) ([]rune, error) {
	switch op.Kind {
	case KindInsert:
		if op.Pos < 0 || op.Pos > len(text) {
			return nil, fmt.Errorf("%w: insert at %d in text of %d", ErrOutOfBounds, op.Pos, len(text))
		}
		inserted := []rune(op.Text)
		result := make([]rune, 0, len(text)+len(inserted))
		result = append(result, text[:op.Pos]...)
		result = append(result, inserted...)
		return append(result, text[op.Pos:]...), nil
	case KindDelete:
		if op.Pos < 0 || op.Len < 0 || op.Pos > len(text) || op.Len > len(text)-op.Pos {
			return nil, fmt.Errorf("%w: delete %d at %d in text of %d", ErrOutOfBounds, op.Len, op.Pos, len(text))
		}
		result := make([]rune, 0, len(text)-op.Len)
		result = append(result, text[:op.Pos]...)
		return append(result, text[op.Pos+op.Len:]...), nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
}

// transformInsertDelete derives the bottom of the diamond whose top sides are an
// insert and a delete.
func transformInsertDelete(ins, del Op) (Op, Op) {
	switch {
	case ins.Pos <= del.Pos:
		return ins, Delete(del.Pos+ins.textLen(), del.Len)
	case ins.Pos >= del.Pos+del.Len:
		return Insert(ins.Pos-del.Len, ins.Text), del
	default:
		// Insert landed inside the deleted range: the delete swallows it.
		return Insert(del.Pos, ""), Delete(del.Pos, del.Len+ins.textLen())
	}
}

// Transform turns (a, b) into (a', b') so that a then b' equals b then a'.
// b takes priority over a when both insert at the same position.
func Transform(a, b Op) (Op, Op) {
	switch a.Kind {
	case KindInsert:
		if b.Kind == KindInsert {
			if b.Pos <= a.Pos {
				return Insert(a.Pos+b.textLen(), a.Text), b
			}
			return a, Insert(b.Pos+a.textLen(), b.Text)
		}
		return transformInsertDelete(a, b)
	default:
		if b.Kind == KindInsert {
			ins, del := transformInsertDelete(b, a)
			return del, ins
		}
		aEnd, bEnd := a.Pos+a.Len, b.Pos+b.Len
		if aEnd <= b.Pos {
			return a, Delete(b.Pos-a.Len, b.Len)
		}
		if bEnd <= a.Pos {
			return Delete(a.Pos-b.Len, a.Len), b
		}
		pos := min(a.Pos, b.Pos)
		overlap := max(0, min(aEnd, bEnd)-max(a.Pos, b.Pos))
		return Delete(pos, a.Len-overlap), Delete(pos, b.Len-overlap)
	}
}

// TransformPatch transforms the sequential operations of a against those of b.
func TransformPatch(a, b []Op) ([]Op, []Op) {
	aNew, bNew := make([]Op, len(a)), make([]Op, len(b))
	copy(aNew, a)
	for i, bOp := range b {
		for j, aOp := range aNew {
			aNew[j], bOp = Transform(aOp, bOp)
		}
		bNew[i] = bOp
	}
	return aNew, bNew
}
