package model

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// FieldID is the reserved document id key.
const FieldID = "id"

var (
	idRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]{1,64}$`)
)

func CheckDocumentID(id string) bool {
	return idRegex.MatchString(id)
}

// Document is a user facing JSON object: the field set of one document as
// published to a client. The document id travels out of band in the protocol
// frames ("id" is reserved and never part of the field set).
type Document map[string]interface{}

func (doc Document) GetID() string {
	if id, ok := doc["id"].(string); ok {
		return id
	}
	return ""
}

func (doc Document) SetID(newID string) {
	doc["id"] = newID
}

func (doc Document) GenerateIDIfEmpty() {
	if _, ok := doc["id"]; !ok {
		doc["id"] = uuid.New().String()
	}
}

func (doc Document) HasKey(key string) bool {
	_, exists := doc[key]
	return exists
}

func (doc Document) IsEmpty() bool {
	return len(doc) == 0
}

// WithoutID returns a copy of the document with the reserved "id" key
// stripped. The merge box never tracks the id as a field.
func (doc Document) WithoutID() Document {
	if !doc.HasKey("id") {
		return doc
	}
	out := make(Document, len(doc)-1)
	for k, v := range doc {
		if k == "id" {
			continue
		}
		out[k] = v
	}
	return out
}

func (doc Document) ValidateDocument() error {
	if doc == nil {
		return errors.New("data cannot be nil")
	}

	if idVal, ok := doc["id"]; ok {
		switch idValue := idVal.(type) {
		case string:
			if idValue == "" {
				return errors.New("data field 'id' cannot be empty")
			}

			if !idRegex.MatchString(idValue) {
				return errors.New("invalid 'id' field: must be 1-64 characters of a-z, A-Z, 0-9, _, ., -")
			}
		case int, int32, int64:
			doc["id"] = fmt.Sprintf("%d", idValue)
		default:
			return errors.New("data field 'id' must be a string or integer")
		}
	}

	return nil
}
