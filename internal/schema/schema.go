// Package schema validates inbound push rows before they are decoded into
// domain types. Rows failing validation are dropped by the engine rather
// than propagated into the stores.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/systemflow/flowsync/internal/rowstore"
)

const notificationSchema = `{
	"type": "object",
	"required": ["id", "user_id", "type"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"user_id": {"type": "string", "minLength": 1},
		"type": {"enum": ["chat", "system"]},
		"title": {"type": "string"},
		"content": {"type": "string"},
		"link": {"type": ["string", "null"]},
		"metadata": {"type": ["object", "null"]},
		"is_read": {"type": "boolean"},
		"created_at": {"type": "string"}
	}
}`

const chatMessageSchema = `{
	"type": "object",
	"required": ["id", "room_id", "sender_id"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"room_id": {"type": "string", "minLength": 1},
		"sender_id": {"type": "string", "minLength": 1},
		"content": {"type": "string"},
		"attachments": {"type": ["array", "null"]},
		"reply_to_id": {"type": ["string", "null"]},
		"created_at": {"type": "string"},
		"edited_at": {"type": ["string", "null"]},
		"deleted_at": {"type": ["string", "null"]}
	}
}`

const chatReceiptSchema = `{
	"type": "object",
	"required": ["message_id", "user_id"],
	"properties": {
		"message_id": {"type": "string", "minLength": 1},
		"room_id": {"type": "string"},
		"user_id": {"type": "string", "minLength": 1},
		"delivered_at": {"type": ["string", "null"]},
		"read_at": {"type": ["string", "null"]}
	}
}`

// Validator validates raw rows against the per-table schemas.
type Validator struct {
	schemas map[rowstore.Table]*jsonschema.Schema
}

// NewValidator compiles the built-in row schemas.
func NewValidator() (*Validator, error) {
	sources := map[rowstore.Table]string{
		rowstore.TableNotifications: notificationSchema,
		rowstore.TableChatMessages:  chatMessageSchema,
		rowstore.TableChatReceipts:  chatReceiptSchema,
	}

	compiler := jsonschema.NewCompiler()
	schemas := make(map[rowstore.Table]*jsonschema.Schema, len(sources))
	for table, src := range sources {
		url := string(table) + ".json"
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse schema for %s: %w", table, err)
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", table, err)
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", table, err)
		}
		schemas[table] = sch
	}

	return &Validator{schemas: schemas}, nil
}

// MustValidator is NewValidator or panic; the schemas are compile-time
// constants so failure is a programming error.
func MustValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks a raw row against the table's schema.
func (v *Validator) Validate(table rowstore.Table, raw json.RawMessage) error {
	sch, ok := v.schemas[table]
	if !ok {
		return fmt.Errorf("no schema for table %q", table)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("malformed row: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("row failed validation: %w", err)
	}
	return nil
}
