package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"qms/qsystem/internal/config"
	"qms/qsystem/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyProvider struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     chan string
}

func (p *flakyProvider) Send(ctx context.Context, message, recipient string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return errors.New("provider failure")
	}
	p.sent <- recipient + ": " + message
	return nil
}

func (p *flakyProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestRenderTemplate(t *testing.T) {
	entry := models.QueueEntry{Name: "Ana", Phone: "555-0101", TicketNumber: 42}
	got := renderTemplate("Hi {name}, ticket {ticket_number} ({phone}) - {ticket_number}", entry)
	if got != "Hi Ana, ticket 42 (555-0101) - 42" {
		t.Fatalf("unexpected template render: %s", got)
	}
}

func TestDispatcherRetriesUntilDelivered(t *testing.T) {
	provider := &flakyProvider{failures: 2, sent: make(chan string, 1)}
	dispatcher := NewDispatcher(provider, Options{Template: "ticket {ticket_number}", MaxAttempts: 3, RetryDelay: time.Millisecond})
	dispatcher.Start(context.Background())
	t.Cleanup(func() { _ = dispatcher.Stop(context.Background()) })

	dispatcher.Enqueue(models.QueueEntry{ID: "e1", Phone: "555", TicketNumber: 3})

	select {
	case msg := <-provider.sent:
		assert.Equal(t, "555: ticket 3", msg)
	case <-time.After(2 * time.Second):
		t.Fatalf("alert was not delivered")
	}
	assert.Equal(t, 3, provider.callCount())
}

func TestDispatcherGivesUpAfterMaxAttempts(t *testing.T) {
	provider := &flakyProvider{failures: 100, sent: make(chan string, 1)}
	dispatcher := NewDispatcher(provider, Options{MaxAttempts: 2, RetryDelay: time.Millisecond})
	dispatcher.Start(context.Background())

	dispatcher.Enqueue(models.QueueEntry{ID: "e1"})

	require.Eventually(t, func() bool { return provider.callCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, dispatcher.Stop(context.Background()))
	assert.Equal(t, 2, provider.callCount())
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	dispatcher := NewDispatcher(noopProvider{}, Options{})
	before := alertsDropped.Value()

	for i := 0; i < queueSize+3; i++ {
		dispatcher.Enqueue(models.QueueEntry{ID: "e"})
	}

	assert.Len(t, dispatcher.queue, queueSize)
	assert.Equal(t, before+3, alertsDropped.Value())
}

func TestEnqueueAfterStopIsIgnored(t *testing.T) {
	dispatcher := NewDispatcher(noopProvider{}, Options{})
	require.NoError(t, dispatcher.Stop(context.Background()))
	require.NoError(t, dispatcher.Stop(context.Background()))

	dispatcher.Enqueue(models.QueueEntry{ID: "late"})
	assert.Empty(t, dispatcher.queue)
}

func TestNewProvider(t *testing.T) {
	_, ok := NewProvider(config.AlertConfig{}, nil)
	assert.False(t, ok)

	cases := []struct {
		cfg  config.AlertConfig
		want Provider
	}{
		{config.AlertConfig{Provider: "log"}, logProvider{}},
		{config.AlertConfig{Provider: "noop"}, noopProvider{}},
		{config.AlertConfig{Provider: "webhook"}, logProvider{}},
		{config.AlertConfig{Provider: "webhook", WebhookURL: "http://hooks.local"}, webhookProvider{}},
		{config.AlertConfig{Provider: "slack"}, logProvider{}},
		{config.AlertConfig{Provider: "slack", SlackWebhookURL: "https://hooks.slack.local/x"}, slackProvider{}},
		{config.AlertConfig{Provider: "https://alerts.local/send"}, webhookProvider{}},
		{config.AlertConfig{Provider: "carrier-pigeon"}, logProvider{}},
	}
	for _, tc := range cases {
		provider, ok := NewProvider(tc.cfg, nil)
		require.True(t, ok, tc.cfg.Provider)
		assert.IsType(t, tc.want, provider, tc.cfg.Provider)
	}
}

func TestWebhookProvider(t *testing.T) {
	var got map[string]string
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	provider := newWebhookProvider(server.URL, "secret")
	require.NoError(t, provider.Send(context.Background(), "ticket 3", "555"))
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, map[string]string{"recipient": "555", "message": "ticket 3"}, got)
}

func TestWebhookProviderRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := newWebhookProvider(server.URL, "").Send(context.Background(), "ticket 3", "555")
	assert.Error(t, err)
}

func TestSlackProvider(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	provider := slackProvider{url: server.URL}
	require.NoError(t, provider.Send(context.Background(), "ticket 3 is up", "555"))
	assert.Equal(t, "ticket 3 is up (555)", got["text"])
}
