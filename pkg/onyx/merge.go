package onyx

import (
	"bytes"
	"encoding/json"
)

// mergeJSON deep-merges patch into current. Objects merge key by key, null
// patch fields delete, and anything else replaces the current value.
func mergeJSON(current, patch json.RawMessage) (json.RawMessage, error) {
	patch = bytes.TrimSpace(patch)
	if len(patch) == 0 || string(patch) == "null" {
		return nil, nil
	}
	patchVal, err := decodeValue(patch)
	if err != nil {
		return nil, err
	}
	var currentVal any
	if len(bytes.TrimSpace(current)) > 0 {
		if v, err := decodeValue(current); err == nil {
			currentVal = v
		}
	}
	return json.Marshal(mergeValue(currentVal, patchVal))
}

func mergeValue(current, patch any) any {
	patchObj, ok := patch.(map[string]any)
	if !ok {
		return patch
	}
	currentObj, ok := current.(map[string]any)
	if !ok {
		currentObj = map[string]any{}
	}
	out := make(map[string]any, len(currentObj)+len(patchObj))
	for k, v := range currentObj {
		out[k] = v
	}
	for k, v := range patchObj {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = mergeValue(out[k], v)
	}
	return out
}

func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
