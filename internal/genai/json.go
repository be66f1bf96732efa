package genai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedJSON is returned when model output is not exactly one JSON object.
var ErrMalformedJSON = errors.New("malformed JSON in model output")

// DecodeObject strictly parses model output into v. Markdown code fences are
// tolerated; anything else around the object is rejected.
func DecodeObject(raw string, v interface{}) error {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}
	if !strings.HasPrefix(text, "{") {
		return fmt.Errorf("%w: not an object", ErrMalformedJSON)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrMalformedJSON)
	}
	return nil
}
