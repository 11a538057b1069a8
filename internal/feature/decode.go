package feature

import (
	"encoding/json"
	"fmt"
)

// DecodeSubmission parses an analysis request body. The body must be a JSON
// object; a missing or non-object stable, unstable or noise field decodes to
// an empty mapping instead of failing the request.
func DecodeSubmission(body []byte) (Submission, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return Submission{}, fmt.Errorf("decode submission: %w", err)
	}
	if raw == nil {
		return Submission{}, fmt.Errorf("decode submission: body is not an object")
	}
	return Submission{
		Stable:   Set(decodeObject(raw["stable"])),
		Unstable: Set(decodeObject(raw["unstable"])),
		Noise:    NoiseReport(decodeObject(raw["noise"])),
	}, nil
}

func decodeObject(msg json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(msg) == 0 {
		return out
	}
	var m map[string]any
	if err := json.Unmarshal(msg, &m); err != nil || m == nil {
		return out
	}
	return m
}
