package structure

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// fenceRe matches a ```json ... ``` block (language tag optional).
var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*\\})\\s*```")

// ParseResponse extracts a Tree from a provider response. The model is
// prompted to wrap the JSON object in a code fence; a bare JSON object is
// accepted too.
func ParseResponse(text string) (Tree, error) {
	raw := strings.TrimSpace(text)
	if m := fenceRe.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}
	if !strings.HasPrefix(raw, "{") {
		return nil, fmt.Errorf("no JSON structure found in response")
	}
	var t Tree
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("parse structure: %w", err)
	}
	return t, nil
}
