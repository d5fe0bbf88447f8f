package request

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// mergePatch applies an RFC 7396 JSON merge patch to doc.
func mergePatch(doc, patch []byte) ([]byte, error) {
	var p any
	dec := json.NewDecoder(bytes.NewReader(patch))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: patch is not valid JSON: %v", ErrValidation, err)
	}
	if _, ok := p.(map[string]any); !ok {
		return nil, fmt.Errorf("%w: patch must be a JSON object", ErrValidation)
	}

	var target any
	dec = json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	if err := dec.Decode(&target); err != nil {
		return nil, fmt.Errorf("failed to decode patch target: %w", err)
	}

	return json.Marshal(merge(target, p))
}

func merge(target, patch any) any {
	patchObj, ok := patch.(map[string]any)
	if !ok {
		return patch
	}
	targetObj, ok := target.(map[string]any)
	if !ok {
		targetObj = map[string]any{}
	}
	for key, value := range patchObj {
		if value == nil {
			delete(targetObj, key)
			continue
		}
		targetObj[key] = merge(targetObj[key], value)
	}
	return targetObj
}
