// Package docmodel declares the seams between the sync core and the editor
// semantics it stays agnostic of.
package docmodel

// Document is a mutable, opaque document instance.
type Document interface {
	// Apply mutates the document by one operation payload.
	Apply(payload string) error
	// Render serializes the document into its persisted form.
	Render() ([]byte, error)
}

// Model creates and parses documents.
type Model interface {
	NewDocument() Document
	// LoadDocument parses a rendered document and reports malformed input as an error.
	LoadDocument(rendered []byte) (Document, error)
}

// Transformer rewrites an operation payload so it applies on top of the
// concurrent payloads that were sequenced before it. Concurrent payloads are
// passed in ascending server version order and take priority on ties.
type Transformer interface {
	// Validate rejects payloads the engine cannot interpret.
	Validate(payload string) error
	Transform(payload string, concurrent []string) (string, error)
}
