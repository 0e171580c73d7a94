package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "github.com/opspawn/agentos/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (r *recordingNotifier) Channel() Channel { return r.channel }

func (r *recordingNotifier) Notify(_ context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func TestFanoutDeliversToEveryChannel(t *testing.T) {
	a := &recordingNotifier{channel: "a"}
	b := &recordingNotifier{channel: "b", err: errors.New("down")}
	d := NewFanout(a, b, nil)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeStorageFailure})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel b")
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestWebhookNotifierPostsEvent(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	n := &WebhookNotifier{URL: server.URL}
	event := FromError(xerrors.New(xerrors.CodeTimeout, "slow"), "T", map[string]string{"stage": "terminal"})
	require.NoError(t, n.Notify(context.Background(), event))
	assert.Contains(t, got["text"], "TIMEOUT")
	assert.Equal(t, "T", got["event"].(map[string]any)["task_id"])
}

func TestWebhookNotifierReportsStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := (&WebhookNotifier{URL: server.URL}).Notify(context.Background(), Event{})
	assert.Error(t, err)
	assert.NoError(t, (&WebhookNotifier{}).Notify(context.Background(), Event{}))
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), Event{Severity: xerrors.SeverityCritical}))
}
