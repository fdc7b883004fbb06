package model

import "fmt"

// Filter is a single field predicate applied to a document.
type Filter struct {
	Field string      `json:"field" yaml:"field"`
	Op    string      `json:"op" yaml:"op"`
	Value interface{} `json:"value" yaml:"value"`
}

// Filters is an ordered conjunction of predicates.
type Filters []Filter

// Query selects documents from one collection.
type Query struct {
	Collection string  `json:"collection"`
	Filters    Filters `json:"filters,omitempty"`
	Limit      int     `json:"limit,omitempty"`
}

var validOps = map[string]bool{
	"==": true, "!=": true, ">": true, ">=": true, "<": true, "<=": true,
	"in": true, "array-contains": true,
}

// Validate checks the query shape before it reaches a storage backend.
func (q Query) Validate() error {
	if q.Collection == "" {
		return fmt.Errorf("%w: collection is required", ErrInvalidQuery)
	}
	for _, f := range q.Filters {
		if f.Field == "" {
			return fmt.Errorf("%w: filter field is required", ErrInvalidQuery)
		}
		if !validOps[f.Op] {
			return fmt.Errorf("%w: unsupported operator %q", ErrInvalidQuery, f.Op)
		}
	}
	return nil
}
