package services

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeConfig(t *testing.T) {
	cfg, err := DecodeConfig(nil)
	require.NoError(t, err)
	assert.Nil(t, cfg.Accessibility)

	cfg, err = DecodeConfig(json.RawMessage(`{
		"backlinks": {"maxLinks": 5},
		"rankTracker": {"keywords": ["seo"]}
	}`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Backlinks)
	assert.Equal(t, 5, cfg.Backlinks.MaxLinks)
	require.NotNil(t, cfg.RankTracker)
	assert.Equal(t, []string{"seo"}, cfg.RankTracker.Keywords)

	_, err = DecodeConfig(json.RawMessage(`{"nonsense": true}`))
	assert.Error(t, err, "unknown keys must be rejected")
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.Nil(t, reg.Get("accessibility"))

	reg.Register("b", RunnerFunc(func(ctx context.Context, u string, cfg ServiceConfig) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}))
	reg.Register("a", RunnerFunc(func(ctx context.Context, u string, cfg ServiceConfig) (json.RawMessage, error) {
		return nil, errors.New("boom")
	}))

	assert.NotNil(t, reg.Get("a"))
	assert.Equal(t, []string{"a", "b"}, reg.Names())
}

type fakeNetError struct{ timeout bool }

func (e *fakeNetError) Error() string   { return "fake net error" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return false }

var _ net.Error = (*fakeNetError)(nil)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"deadline", context.DeadlineExceeded, "TIMEOUT", true},
		{"wrapped deadline", errors.Join(errors.New("fetch"), context.DeadlineExceeded), "TIMEOUT", true},
		{"invalid input", &InvalidInputError{Reason: "not a url"}, "INVALID_INPUT", false},
		{"upstream 404", &UpstreamError{StatusCode: 404, URL: "https://x"}, "UPSTREAM_4XX", false},
		{"upstream 503", &UpstreamError{StatusCode: 503, URL: "https://x"}, "UPSTREAM_5XX", true},
		{"dns", &net.DNSError{Err: "no such host", Name: "x"}, "NETWORK", true},
		{"net timeout", &fakeNetError{timeout: true}, "TIMEOUT", true},
		{"net other", &fakeNetError{}, "NETWORK", true},
		{"connection refused string", errors.New("dial tcp: connection refused"), "NETWORK", true},
		{"unknown", errors.New("weird"), "UNKNOWN", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			assert.Equal(t, tt.code, c.Code)
			assert.Equal(t, tt.retryable, c.Retryable)
			assert.NotEmpty(t, c.Message)
		})
	}
}
