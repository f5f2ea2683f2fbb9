package textot

// Engine transforms text patches against the patches sequenced before them.
type Engine struct{}

// Validate implements docmodel.Transformer.
func (Engine) Validate(payload string) error {
	_, err := DecodePatch(payload)
	return err
}

// Transform implements docmodel.Transformer.
func (Engine) Transform(payload string, concurrent []string) (string, error) {
	patch, err := DecodePatch(payload)
	if err != nil {
		return "", err
	}
	ops := patch.Ops
	for _, prior := range concurrent {
		priorPatch, err := DecodePatch(prior)
		if err != nil {
			return "", err
		}
		ops, _ = TransformPatch(ops, priorPatch.Ops)
	}
	return Patch{Ops: ops}.Encode()
}
