package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siliconchat/pkg/models"
)

func fastSender(url string) *WebhookSender {
	s := NewWebhookSender(url)
	s.retryConfig.BaseDelay = time.Millisecond
	s.retryConfig.MaxDelay = 5 * time.Millisecond
	s.retryConfig.LogRetries = false
	return s
}

func TestWebhookSender_PostsReply(t *testing.T) {
	var got models.Reply
	var requestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		requestID = r.Header.Get("X-Request-ID")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	reply := models.Reply{RequestID: "req-1", Platform: "onebot", ChannelID: "g1", Messages: []string{"a", "b"}, Text: "b"}
	require.NoError(t, fastSender(srv.URL).Send(context.Background(), reply))

	assert.Equal(t, reply, got)
	assert.Equal(t, "req-1", requestID)
}

func TestWebhookSender_RetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, fastSender(srv.URL).Send(context.Background(), models.Reply{Text: "hi"}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookSender_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, fastSender(srv.URL).Send(context.Background(), models.Reply{Text: "hi"}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookSender_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := fastSender(srv.URL).Send(context.Background(), models.Reply{Text: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestLogSender(t *testing.T) {
	assert.NoError(t, LogSender{}.Send(context.Background(), models.Reply{Text: "hi"}))
}
