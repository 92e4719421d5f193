package site

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsapp-autoreply/queue"
)

// inlineQueue runs tasks synchronously.
type inlineQueue struct {
	err   error
	tasks []queue.Task
}

func (q *inlineQueue) Enqueue(task queue.Task) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return task.Run(context.Background())
}

func TestFetchContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/whatsapp-context.php", r.URL.Path)
		assert.Equal(t, "lic-1", r.Header.Get("X-License-Key"))
		_, _ = w.Write([]byte(`{
			"bookings": "Mon-Fri 9-18",
			"faqs": [{"q": "parking?", "a": "yes"}],
			"shop": null,
			"settings": {"greeting": "Hi there!"}
		}`))
	}))
	defer srv.Close()

	c := NewClient(time.Second, nil, zerolog.Nop())
	got, err := c.FetchContext(context.Background(), srv.URL+"/", "lic-1")
	require.NoError(t, err)
	assert.Equal(t, "Mon-Fri 9-18", got.Bookings)
	assert.JSONEq(t, `[{"q": "parking?", "a": "yes"}]`, got.FAQs)
	assert.Empty(t, got.Shop)
	assert.Equal(t, "Hi there!", got.Greeting)
}

func TestFetchContext_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(time.Second, nil, zerolog.Nop())
	_, err := c.FetchContext(context.Background(), srv.URL, "lic-1")
	assert.Error(t, err)
}

func TestFetchContext_NoSite(t *testing.T) {
	c := NewClient(time.Second, nil, zerolog.Nop())
	got, err := c.FetchContext(context.Background(), "", "lic-1")
	require.NoError(t, err)
	assert.Equal(t, &Context{}, got)
}

func TestMirror_PostsWebhook(t *testing.T) {
	var got WebhookEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/whatsapp-webhook.php", r.URL.Path)
		assert.Equal(t, "lic-1", r.Header.Get("X-License-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	q := &inlineQueue{}
	c := NewClient(time.Second, q, zerolog.Nop())
	c.Mirror(srv.URL, "lic-1", WebhookEvent{
		Direction: DirectionInbound,
		RemoteJID: "5511988887777@s.whatsapp.net",
		Phone:     "5511988887777",
		Content:   "oi",
		MessageID: "ABC",
		Timestamp: 1700000000,
	})

	require.Len(t, q.tasks, 1)
	assert.Equal(t, DirectionInbound, got.Direction)
	assert.Equal(t, "ABC", got.MessageID)
	assert.Equal(t, int64(1700000000), got.Timestamp)
}

func TestMirror_DroppedWhenQueueFull(t *testing.T) {
	q := &inlineQueue{err: errors.New("full")}
	c := NewClient(time.Second, q, zerolog.Nop())

	assert.NotPanics(t, func() {
		c.Mirror("http://example.invalid", "lic-1", WebhookEvent{})
	})
	assert.Empty(t, q.tasks)
}

func TestMirror_NoSiteURL(t *testing.T) {
	q := &inlineQueue{}
	c := NewClient(time.Second, q, zerolog.Nop())
	c.Mirror("", "lic-1", WebhookEvent{})
	assert.Empty(t, q.tasks)
}
