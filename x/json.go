package x

import (
	"encoding/json"
	"fmt"
)

// JSONFields splits a JSON object into its top-level members without decoding them.
func JSONFields[JV string | []byte](rawjson JV) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage

	err := json.Unmarshal([]byte(rawjson), &fields)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal object: %w", err)
	}

	if fields == nil {
		return nil, fmt.Errorf("not a JSON object")
	}

	return fields, nil
}

// HasFields reports whether every one of keys is present and not null.
func HasFields(fields map[string]json.RawMessage, keys ...string) bool {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok || string(v) == "null" {
			return false
		}
	}

	return true
}
