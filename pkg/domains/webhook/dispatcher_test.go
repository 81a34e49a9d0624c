package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wagate/pkg/entities"
)

type fakeTenantHooks struct {
	hooks    []entities.Webhook
	excluded map[string]struct{}
}

func (f *fakeTenantHooks) GetActiveWebhooks(ctx context.Context, username string) ([]entities.Webhook, error) {
	return f.hooks, nil
}

func (f *fakeTenantHooks) GetExcludedNumbers(ctx context.Context, username string) (map[string]struct{}, error) {
	return f.excluded, nil
}

type capturedRequest struct {
	headers http.Header
	body    []byte
}

func captureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var mu sync.Mutex
	var captured []capturedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		captured = append(captured, capturedRequest{headers: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		out := make([]capturedRequest, len(captured))
		copy(out, captured)
		return out
	}
}

// verifySignature mirrors what a webhook consumer does: split at "=", check
// the algorithm prefix, compare in constant time.
func verifySignature(t *testing.T, header string, body []byte, secret string) bool {
	t.Helper()
	parts := strings.SplitN(header, "=", 2)
	require.Len(t, parts, 2)
	require.Equal(t, "sha256", parts[0])

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(parts[1]), []byte(expected))
}

func TestSignDeterministic(t *testing.T) {
	body := []byte(`{"event":"message.received"}`)
	assert.Equal(t, Sign(body, "secret"), Sign(body, "secret"))
	assert.NotEqual(t, Sign(body, "secret"), Sign(body, "other"))

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(body)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), Sign(body, "secret"))
}

func TestNotifyDeliversSignedPayload(t *testing.T) {
	srv, captured := captureServer(t, 200)

	repo := &fakeTenantHooks{hooks: []entities.Webhook{{
		Username: "alice",
		URL:      srv.URL,
		Name:     "primary",
		Secret:   "hook-secret",
		IsActive: true,
	}}}
	repo.hooks[0].ID = 7

	d := NewDispatcher(repo, zerolog.Nop())
	d.Notify(context.Background(), "alice", EventMessageReceived, MessageEvent{
		Message: map[string]interface{}{"id": "A1"},
		From:    "1555@s.whatsapp.net",
	})

	requests := captured()
	require.Len(t, requests, 1)
	req := requests[0]

	assert.Equal(t, "application/json", req.headers.Get("Content-Type"))
	assert.Equal(t, "Baileys-API-Webhook", req.headers.Get("User-Agent"))
	assert.Equal(t, EventMessageReceived, req.headers.Get("X-Event-Type"))
	assert.Equal(t, "alice", req.headers.Get("X-Username"))
	assert.Equal(t, "7", req.headers.Get("X-Webhook-Id"))
	assert.Equal(t, "primary", req.headers.Get("X-Webhook-Name"))
	assert.True(t, verifySignature(t, req.headers.Get("X-Signature"), req.body, "hook-secret"))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(req.body, &decoded))
	assert.Equal(t, EventMessageReceived, decoded["event"])
	assert.Equal(t, "alice", decoded["username"])
	assert.NotEmpty(t, decoded["timestamp"])
	hook := decoded["webhook"].(map[string]interface{})
	assert.Equal(t, "primary", hook["name"])
	assert.Equal(t, srv.URL, hook["url"])
}

func TestNotifyNoopWithoutHooks(t *testing.T) {
	d := NewDispatcher(&fakeTenantHooks{}, zerolog.Nop())
	// Must return without panicking and without doing network I/O.
	d.Notify(context.Background(), "alice", EventConnection, map[string]interface{}{"status": "connected"})
}

func TestNotifyExcludedSenderSkipped(t *testing.T) {
	srv, captured := captureServer(t, 200)

	repo := &fakeTenantHooks{
		hooks: []entities.Webhook{{
			Username: "alice", URL: srv.URL, Name: "primary", Secret: "s", IsActive: true,
		}},
		excluded: map[string]struct{}{"+15551234567": {}},
	}

	d := NewDispatcher(repo, zerolog.Nop())
	d.Notify(context.Background(), "alice", EventMessageReceived, MessageEvent{
		Message: map[string]interface{}{"id": "A1"},
		From:    "15551234567@s.whatsapp.net",
	})

	assert.Empty(t, captured())
}

func TestNotifyExclusionOnlyAppliesToMessageReceived(t *testing.T) {
	srv, captured := captureServer(t, 200)

	repo := &fakeTenantHooks{
		hooks: []entities.Webhook{{
			Username: "alice", URL: srv.URL, Name: "primary", Secret: "s", IsActive: true,
		}},
		excluded: map[string]struct{}{"+15551234567": {}},
	}

	d := NewDispatcher(repo, zerolog.Nop())
	d.Notify(context.Background(), "alice", EventConnection, map[string]interface{}{"status": "connected"})

	assert.Len(t, captured(), 1)
}

func TestNotifyAllSettledOnPartialFailure(t *testing.T) {
	okSrv, okCaptured := captureServer(t, 200)
	failSrv, failCaptured := captureServer(t, 500)

	repo := &fakeTenantHooks{hooks: []entities.Webhook{
		{Username: "alice", URL: failSrv.URL, Name: "failing", Secret: "s1", IsActive: true},
		{Username: "alice", URL: okSrv.URL, Name: "healthy", Secret: "s2", IsActive: true},
	}}

	d := NewDispatcher(repo, zerolog.Nop())
	d.Notify(context.Background(), "alice", EventMessageReceived, MessageEvent{
		Message: map[string]interface{}{"id": "A1"},
		From:    "1555@s.whatsapp.net",
	})

	// The failing destination must not cancel the healthy one.
	assert.Len(t, okCaptured(), 1)
	assert.Len(t, failCaptured(), 1)
}

func TestE164FromJID(t *testing.T) {
	cases := []struct {
		jid  string
		want string
	}{
		{"15551234567@s.whatsapp.net", "+15551234567"},
		{"1555@g.us", "+1555"},
		{"1555", "+1555"},
		{"abc@s.whatsapp.net", ""},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, E164FromJID(tc.jid), tc.jid)
	}
}
