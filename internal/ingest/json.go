package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"

	"fieldsense/internal/model"
)

// SplitJSON accepts a single JSON object or an array of objects and returns
// each object's raw bytes.
func SplitJSON(data []byte) ([]json.RawMessage, error) {
	trim := bytes.TrimSpace(data)
	if len(trim) == 0 {
		return nil, nil
	}
	if trim[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trim, &batch); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
		}
		return batch, nil
	}
	if trim[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object or array", model.ErrInvalidEvent)
	}
	return []json.RawMessage{json.RawMessage(trim)}, nil
}
