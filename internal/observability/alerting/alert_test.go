package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "trase-agent/internal/errors"
)

type recordingNotifier struct {
	channel Channel
	events  []Event
	err     error
}

func (n *recordingNotifier) Channel() Channel { return n.channel }

func (n *recordingNotifier) Notify(_ context.Context, event Event) error {
	n.events = append(n.events, event)
	return n.err
}

func TestFanoutJoinsErrors(t *testing.T) {
	t.Parallel()

	ok := &recordingNotifier{channel: ChannelLog}
	broken := &recordingNotifier{channel: ChannelWebhook, err: errors.New("down")}
	d := NewFanout(ok, broken, nil)

	err := d.Notify(context.Background(), FromError("test", "req-1", xerrors.New(xerrors.CodeStorageFailure, "db gone")))
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(ok.events) != 1 || len(broken.events) != 1 {
		t.Fatalf("every notifier must be called")
	}
	if ok.events[0].Code != xerrors.CodeStorageFailure || ok.events[0].Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected event %+v", ok.events[0])
	}
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	if err := n.Notify(context.Background(), Event{Code: "X", Message: "boom", Source: "api"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got["code"] != "X" || got["text"] == "" {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestWebhookNotifierReportsHTTPFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	if err := n.Notify(context.Background(), Event{Code: "X"}); err == nil {
		t.Fatalf("expected failure on 502")
	}
}
