package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namaskah/verify/internal/config"
	"github.com/namaskah/verify/internal/domain"
)

func newTestClient(t *testing.T, handler http.Handler, maxRetries int) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return NewClient(config.VendorConfig{
		BaseURL:         srv.URL,
		APIKey:          "test-key",
		Timeout:         2 * time.Second,
		MaxRetries:      maxRetries,
		BreakerFailures: 100, // effectively disabled unless a test wants it
		BreakerCooldown: time.Minute,
	}, log), srv
}

func TestRequestNumber(t *testing.T) {
	var gotAuth, gotPath string
	var gotPayload map[string]string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotPayload)
		json.NewEncoder(w).Encode(map[string]string{"id": "sess-42", "number": "+15550002222"})
	})
	c, _ := newTestClient(t, handler, 0)

	num, err := c.RequestNumber(context.Background(), "telegram", "us", domain.CapabilitySMS)
	require.NoError(t, err)
	assert.Equal(t, "sess-42", num.SessionID)
	assert.Equal(t, "+15550002222", num.PhoneNumber)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "/v2/verifications", gotPath)
	assert.Equal(t, "telegram", gotPayload["service_name"])
	assert.Equal(t, "sms", gotPayload["capability"])
}

func TestRequestNumberNoInventory(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
	})
	c, _ := newTestClient(t, handler, 3)

	_, err := c.RequestNumber(context.Background(), "telegram", "us", domain.CapabilitySMS)
	require.ErrorIs(t, err, ErrNoInventory)
	// Permanent vendor answer: no retries.
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRequestNumberRetriesTransientErrors(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "sess-1", "number": "+15550001111"})
	})
	c, _ := newTestClient(t, handler, 5)

	num, err := c.RequestNumber(context.Background(), "telegram", "us", domain.CapabilitySMS)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", num.SessionID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRequestNumberExhaustedRetries(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c, _ := newTestClient(t, handler, 1)

	_, err := c.RequestNumber(context.Background(), "telegram", "us", domain.CapabilitySMS)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	c := NewClient(config.VendorConfig{
		BaseURL:         srv.URL,
		Timeout:         time.Second,
		MaxRetries:      0,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	}, log)

	ctx := context.Background()
	_, err := c.RequestNumber(ctx, "telegram", "us", domain.CapabilitySMS)
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = c.RequestNumber(ctx, "telegram", "us", domain.CapabilitySMS)
	require.ErrorIs(t, err, ErrUnavailable)

	// Breaker is open now: the vendor is not called again.
	before := atomic.LoadInt32(&calls)
	_, err = c.RequestNumber(ctx, "telegram", "us", domain.CapabilitySMS)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, before, atomic.LoadInt32(&calls))
}

func TestCheckMessageStates(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		status  int
		wantMsg *Message
		wantErr error
	}{
		{
			name:    "pending yields nothing",
			body:    `{"state":"pending"}`,
			status:  http.StatusOK,
			wantMsg: nil,
			wantErr: nil,
		},
		{
			name:    "received carries the code",
			body:    `{"state":"received","sms":{"code":"98765","text":"Your code is 98765"}}`,
			status:  http.StatusOK,
			wantMsg: &Message{Code: "98765", Text: "Your code is 98765"},
			wantErr: nil,
		},
		{
			name:    "expired",
			body:    `{"state":"expired"}`,
			status:  http.StatusOK,
			wantErr: ErrNumberExpired,
		},
		{
			name:    "revoked",
			body:    `{"state":"revoked"}`,
			status:  http.StatusOK,
			wantErr: ErrNumberRevoked,
		},
		{
			name:    "http gone maps to expired",
			body:    `{}`,
			status:  http.StatusGone,
			wantErr: ErrNumberExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v2/verifications/sess-7", r.URL.Path)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			c, _ := newTestClient(t, handler, 0)

			msg, err := c.CheckMessage(context.Background(), "sess-7")
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMsg, msg)
		})
	}
}

func TestReleaseNumber(t *testing.T) {
	var gotPath, gotMethod string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	})
	c, _ := newTestClient(t, handler, 0)

	require.NoError(t, c.ReleaseNumber(context.Background(), "sess-9"))
	assert.Equal(t, "/v2/verifications/sess-9/cancel", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
}

func TestContextCancellationStopsRetries(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c, _ := newTestClient(t, handler, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.RequestNumber(ctx, "telegram", "us", domain.CapabilitySMS)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), 5*time.Second)
}
