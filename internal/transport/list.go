package transport

import (
	"bytes"
	"encoding/json"
)

// DecodeList accepts either a bare JSON array or a {"results": [...]} envelope.
func DecodeList[T any](raw []byte) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []T{}, nil
	}
	if raw[0] == '[' {
		var out []T
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	var env struct {
		Results []T `json:"results"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Results == nil {
		return []T{}, nil
	}
	return env.Results, nil
}
