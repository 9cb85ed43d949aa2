package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"sieve/internal/textutil"
)

const maxSnippetRunes = 160

// DecodeJSON unmarshals a model reply into target. Models often wrap JSON in
// a code fence or a sentence of prose; when the reply does not parse as-is
// the first JSON object or array inside it is decoded instead and anything
// after it is ignored.
func DecodeJSON(content string, target any) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return errors.New("empty payload")
	}
	err := json.Unmarshal([]byte(trimmed), target)
	if err == nil {
		return nil
	}
	start := strings.IndexAny(trimmed, "{[")
	if start < 0 {
		return fmt.Errorf("%w (payload: %s)", err, snippet(trimmed))
	}
	dec := json.NewDecoder(strings.NewReader(trimmed[start:]))
	if embeddedErr := dec.Decode(target); embeddedErr != nil {
		return fmt.Errorf("%w (payload: %s)", embeddedErr, snippet(trimmed[start:]))
	}
	return nil
}

// snippet flattens whitespace and bounds text quoted in error messages.
func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "<empty>"
	}
	return textutil.Truncate(s, maxSnippetRunes)
}
