package jobs

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
)

// DefaultIdempotencyKey derives the key used when a submission has none:
// the sha1 of "type:conversation:<canonical payload>". Canonical JSON has
// sorted object keys and no insignificant whitespace, so logically equal
// payloads share a key.
func DefaultIdempotencyKey(jobType, conversationID string, payload json.RawMessage) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum([]byte(jobType + ":" + conversationID + ":" + string(canonical)))
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(payload json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return []byte("{}"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.NewValidationError("payload is not valid JSON").WithField("payload")
	}
	// encoding/json writes map keys in sorted order.
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	return out, nil
}

// normalizePayload validates that payload is a JSON object and returns it
// in canonical form.
func normalizePayload(payload json.RawMessage) (json.RawMessage, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return nil, err
	}
	if len(canonical) == 0 || canonical[0] != '{' {
		return nil, errors.NewValidationError("payload must be a JSON object").WithField("payload")
	}
	return canonical, nil
}

const (
	minPayloadTimeout = time.Second
	maxPayloadTimeout = 24 * time.Hour
)

// payloadTimeout reads an optional "timeout_seconds" override from the
// payload, clamped to [1s, 24h].
func payloadTimeout(payload json.RawMessage) (time.Duration, bool) {
	var probe struct {
		TimeoutSeconds json.RawMessage `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || len(probe.TimeoutSeconds) == 0 {
		return 0, false
	}
	raw := string(bytes.Trim(probe.TimeoutSeconds, `"`))
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs <= 0 {
		return 0, false
	}
	d := time.Duration(secs * float64(time.Second))
	return min(max(d, minPayloadTimeout), maxPayloadTimeout), true
}
