package model

// Clone returns a deep copy of a JSON-ish value. Method results and handler
// parameters are cloned on their way across the method boundary so shared
// mutable state never leaks between handlers and sessions.
func Clone(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = Clone(item)
		}
		return out
	case Document:
		return Document(Clone(map[string]interface{}(val)).(map[string]interface{}))
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = Clone(item)
		}
		return out
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return out
	default:
		// Scalars (and time.Time) are immutable by value.
		return v
	}
}

// CloneDocument deep-copies a document field set. A nil document clones to nil.
func CloneDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	return Clone(doc).(Document)
}

// CloneParams deep-copies a method or publish parameter list.
func CloneParams(params []interface{}) []interface{} {
	if params == nil {
		return nil
	}
	out := make([]interface{}, len(params))
	for i, p := range params {
		out[i] = Clone(p)
	}
	return out
}
