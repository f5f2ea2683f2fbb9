package textot

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/doccollab/internal/docmodel"
)

// ErrMalformedDocument indicates rendered content that is not a text document.
var ErrMalformedDocument = errors.New("textot: malformed document")

type renderedDocument struct {
	Text *string `json:"text"`
}

// Document is a plain-text document.
type Document struct {
	text []rune
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{}
}

// LoadDocument parses the rendered form {"text": "..."}.
func LoadDocument(rendered []byte) (*Document, error) {
	var parsed renderedDocument
	if err := json.Unmarshal(rendered, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if parsed.Text == nil {
		return nil, fmt.Errorf("%w: missing text field", ErrMalformedDocument)
	}
	if !utf8.ValidString(*parsed.Text) {
		return nil, fmt.Errorf("%w: text is not valid utf-8", ErrMalformedDocument)
	}
	return &Document{text: []rune(*parsed.Text)}, nil
}

// Text returns the current content.
func (d *Document) Text() string {
	return string(d.text)
}

// ApplyPatch applies every operation of the patch or none of them.
func (d *Document) ApplyPatch(patch Patch) error {
	text := d.text
	for _, op := range patch.Ops {
		next, err := op.apply(text)
		if err != nil {
			return err
		}
		text = next
	}
	d.text = text
	return nil
}

// Apply decodes an edit payload and applies it.
func (d *Document) Apply(payload string) error {
	patch, err := DecodePatch(payload)
	if err != nil {
		return err
	}
	return d.ApplyPatch(patch)
}

// Render serializes the document.
func (d *Document) Render() ([]byte, error) {
	text := string(d.text)
	return json.Marshal(renderedDocument{Text: &text})
}

// Model exposes the plain-text document to the sync core.
type Model struct{}

// NewDocument implements docmodel.Model.
func (Model) NewDocument() docmodel.Document {
	return NewDocument()
}

// LoadDocument implements docmodel.Model.
func (Model) LoadDocument(rendered []byte) (docmodel.Document, error) {
	document, err := LoadDocument(rendered)
	if err != nil {
		return nil, err
	}
	return document, nil
}
