package jobs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
)

func TestDefaultIdempotencyKey(t *testing.T) {
	a, err := DefaultIdempotencyKey("web_search", "conv", json.RawMessage(`{"q":"x","opts":{"b":1,"a":2}}`))
	require.NoError(t, err)
	b, err := DefaultIdempotencyKey("web_search", "conv", json.RawMessage(`{"opts":{"a":2,"b":1},  "q":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 40)

	otherConv, err := DefaultIdempotencyKey("web_search", "conv-2", json.RawMessage(`{"q":"x","opts":{"b":1,"a":2}}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, otherConv)

	otherType, err := DefaultIdempotencyKey("paper_search", "conv", json.RawMessage(`{"q":"x","opts":{"b":1,"a":2}}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, otherType)

	// Large integers must survive canonicalization unchanged.
	big1, err := DefaultIdempotencyKey("kb_index", "", json.RawMessage(`{"n":9007199254740993}`))
	require.NoError(t, err)
	big2, err := DefaultIdempotencyKey("kb_index", "", json.RawMessage(`{"n":9007199254740992}`))
	require.NoError(t, err)
	assert.NotEqual(t, big1, big2)

	_, err = DefaultIdempotencyKey("kb_index", "", json.RawMessage(`{nope`))
	assert.True(t, errors.IsPermanent(err))
}

func TestNormalizePayload(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "empty", in: "", want: `{}`},
		{name: "whitespace", in: "  \n", want: `{}`},
		{name: "sorted", in: `{"b":1, "a":[1, 2]}`, want: `{"a":[1,2],"b":1}`},
		{name: "array", in: `[1]`, wantErr: true},
		{name: "string", in: `"x"`, wantErr: true},
		{name: "null", in: `null`, wantErr: true},
		{name: "invalid", in: `{"a":`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalizePayload(json.RawMessage(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestPayloadTimeout(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   time.Duration
		wantOK bool
	}{
		{name: "absent", in: `{"query":"q"}`},
		{name: "seconds", in: `{"timeout_seconds":30}`, want: 30 * time.Second, wantOK: true},
		{name: "string", in: `{"timeout_seconds":"45"}`, want: 45 * time.Second, wantOK: true},
		{name: "fraction clamped up", in: `{"timeout_seconds":0.2}`, want: time.Second, wantOK: true},
		{name: "clamped down", in: `{"timeout_seconds":1000000}`, want: 24 * time.Hour, wantOK: true},
		{name: "zero", in: `{"timeout_seconds":0}`},
		{name: "negative", in: `{"timeout_seconds":-5}`},
		{name: "garbage", in: `{"timeout_seconds":"soon"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := payloadTimeout(json.RawMessage(tt.in))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
