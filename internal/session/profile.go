package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var errUnrecognizedShape = errors.New("unrecognized top_styles shape")

// normalizeTopStyles flattens top_styles into name -> score. Accepted shapes:
//
//	{"Classic": 2.5}
//	{"Classic": ["Classic", 2.5]}
//	{"Classic": {"score": 2.5}}
//	[["Classic", 2.5], ...]
//
// Anything else is rejected rather than guessed at.
func normalizeTopStyles(raw json.RawMessage) (map[string]float64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]float64{}, nil
	}

	switch trimmed[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("decode top_styles: %w", err)
		}
		out := make(map[string]float64, len(obj))
		for name, v := range obj {
			score, err := scoreValue(v)
			if err != nil {
				return nil, fmt.Errorf("top_styles[%q]: %w", name, err)
			}
			out[name] = score
		}
		return out, nil
	case '[':
		var pairs []json.RawMessage
		if err := json.Unmarshal(trimmed, &pairs); err != nil {
			return nil, fmt.Errorf("decode top_styles: %w", err)
		}
		out := make(map[string]float64, len(pairs))
		for i, p := range pairs {
			name, score, err := namedPair(p)
			if err != nil {
				return nil, fmt.Errorf("top_styles[%d]: %w", i, err)
			}
			out[name] = score
		}
		return out, nil
	default:
		return nil, errUnrecognizedShape
	}
}

func scoreValue(v json.RawMessage) (float64, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return 0, errUnrecognizedShape
	}
	switch v[0] {
	case '[':
		_, score, err := namedPair(v)
		return score, err
	case '{':
		var obj struct {
			Score *float64 `json:"score"`
		}
		if err := json.Unmarshal(v, &obj); err != nil || obj.Score == nil {
			return 0, errUnrecognizedShape
		}
		return *obj.Score, nil
	default:
		var score float64
		if err := json.Unmarshal(v, &score); err != nil {
			return 0, errUnrecognizedShape
		}
		return score, nil
	}
}

// namedPair decodes a ["name", score] pair.
func namedPair(v json.RawMessage) (string, float64, error) {
	var pair []json.RawMessage
	if err := json.Unmarshal(v, &pair); err != nil || len(pair) != 2 {
		return "", 0, errUnrecognizedShape
	}
	var name string
	var score float64
	if err := json.Unmarshal(pair[0], &name); err != nil || name == "" {
		return "", 0, errUnrecognizedShape
	}
	if err := json.Unmarshal(pair[1], &score); err != nil {
		return "", 0, errUnrecognizedShape
	}
	return name, score, nil
}
