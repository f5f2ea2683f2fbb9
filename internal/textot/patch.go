package textot

import (
	"encoding/json"
	"fmt"
)

// Patch is the payload of one edit: operations applied in order.
type Patch struct {
	Ops []Op `json:"ops"`
}

// DecodePatch parses and validates an edit payload.
func DecodePatch(payload string) (Patch, error) {
	var patch Patch
	if err := json.Unmarshal([]byte(payload), &patch); err != nil {
		return Patch{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	for _, op := range patch.Ops {
		if err := op.validate(); err != nil {
			return Patch{}, err
		}
	}
	return patch, nil
}

// Encode serializes the patch, dropping operations that no longer change anything.
func (p Patch) Encode() (string, error) {
	compact := Patch{Ops: make([]Op, 0, len(p.Ops))}
	for _, op := range p.Ops {
		if op.isNoop() {
			continue
		}
		compact.Ops = append(compact.Ops, op)
	}
	encoded, err := json.Marshal(compact)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// MustEncode encodes a patch built from literal operations.
func MustEncode(ops ...Op) string {
	encoded, err := Patch{Ops: ops}.Encode()
	if err != nil {
		panic(err)
	}
	return encoded
}
