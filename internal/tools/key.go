package tools

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"github.com/zeebo/blake3"

	"github.com/malenacutuli/swiss-ai-vault-sub006/internal/errs"
)

// NormalizeParams re-encodes params with sorted object keys and no
// insignificant whitespace, so equivalent parameter sets compare equal.
func NormalizeParams(params json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(params)) == 0 {
		return []byte(`{}`), nil
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errs.Wrap(errs.ValidationError, err, "params are not valid JSON")
	}
	return json.Marshal(v)
}

// IdempotencyKey derives the key a tool call executes under from the run,
// the tool and its normalized parameters.
func IdempotencyKey(runID, tool string, params json.RawMessage) (string, error) {
	norm, err := NormalizeParams(params)
	if err != nil {
		return "", err
	}
	h := blake3.New()
	_, _ = h.Write([]byte(runID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(tool))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(norm)
	return "tool:" + runID + ":" + tool + ":" + hex.EncodeToString(h.Sum(nil)[:16]), nil
}
