// Package state persists the records a worker produces: raw commands, parse
// metadata and targets, grouped into named collections.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Collections written by workers.
const (
	CollectionCommands = "raw-commands"
	CollectionMetadata = "command-metadata"
	CollectionTargets  = "targets"
)

// Filter fields.
const (
	FieldID            = "id"
	FieldSourceCommand = "source_command"
)

// MaxDocumentBytes caps a single stored document.
const MaxDocumentBytes = 16 << 20

var ErrUnknownField = errors.New("unsupported filter field")

// Document is one stored record. Body is the record's JSON encoding.
type Document struct {
	ID            string          `json:"id"`
	SourceCommand string          `json:"source_command,omitempty"`
	Body          json.RawMessage `json:"body"`
}

// Filter selects documents whose Field equals any value in In. An empty
// Filter matches everything.
type Filter struct {
	Field string   `json:"field,omitempty"`
	In    []string `json:"in,omitempty"`
}

// NewDocument encodes v as a document body.
func NewDocument(id, sourceCommand string, v any) (Document, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Document{}, fmt.Errorf("encode document %s: %w", id, err)
	}
	return Document{ID: id, SourceCommand: sourceCommand, Body: body}, nil
}

// Validate checks a document before it is stored.
func (d Document) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("document id is empty")
	}
	if !json.Valid(d.Body) {
		return fmt.Errorf("document %s: body is not valid JSON", d.ID)
	}
	if len(d.Body) > MaxDocumentBytes {
		return fmt.Errorf("document %s exceeds max size (%d bytes)", d.ID, MaxDocumentBytes)
	}
	return nil
}

// Validate checks that the filter names a supported field.
func (f Filter) Validate() error {
	switch f.Field {
	case "", FieldID, FieldSourceCommand:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownField, f.Field)
	}
}
