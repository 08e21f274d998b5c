package extraction

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var codeFence = regexp.MustCompile("(?i)```(?:json)?")

// cleanOutput removes markdown code fences and anything outside the
// outermost JSON object.
func cleanOutput(text string) string {
	text = codeFence.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	startIdx := strings.Index(text, "{")
	endIdx := strings.LastIndex(text, "}")
	if startIdx == -1 || endIdx < startIdx {
		return text
	}
	return text[startIdx : endIdx+1]
}

// ParseDraft decodes a model response into a Draft. Values are taken as the
// JSON decoder produces them; nothing is normalized.
func ParseDraft(text string) (*Draft, error) {
	cleaned := cleanOutput(text)
	if !strings.HasPrefix(cleaned, "{") {
		return nil, fmt.Errorf("%w: no JSON object found in response", ErrMalformedModelOutput)
	}

	var draft Draft
	if err := json.Unmarshal([]byte(cleaned), &draft); err != nil {
		return nil, fmt.Errorf("%w: unmarshaling json: %w", ErrMalformedModelOutput, err)
	}

	if draft.Vendor == nil && draft.Invoice == nil {
		return nil, fmt.Errorf("%w: response has neither vendor nor invoice", ErrMalformedModelOutput)
	}

	return &draft, nil
}
