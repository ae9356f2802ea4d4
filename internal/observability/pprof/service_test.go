package pprof

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "taskos/pkg/logx"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestServeStatusAndProfiles(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}, logx.Nop(), func() any {
		return map[string]int{"recurring": 2}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	base := "http://" + s.Addr()

	code, _ := get(t, base+"/status")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := get(t, base+"/status?token=s3cret")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"recurring":2}`, body)

	code, body = get(t, base+"/debug/pprof/?token=s3cret")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "goroutine")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Empty(t, s.Addr())
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop(), nil)
	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a token")
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/debug/pprof/", normalizePrefix(""))
	assert.Equal(t, "/prof/", normalizePrefix("prof"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.False(t, isLoopbackAddr(":6060"))
}
