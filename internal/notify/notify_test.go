package notify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/config"
)

func TestWebhookNotifier_Send(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL)
	err := notifier.Send(Notification{
		Title:   "Series 0000007 finished",
		Message: "3 passed, 1 failed, 0 cancelled",
		Type:    NotifyError,
		Series:  7,
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var msg WebhookMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("attachments = %v, want one", msg.Attachments)
	}
	if msg.Attachments[0].Color != "danger" {
		t.Errorf("attachment color = %q, want danger", msg.Attachments[0].Color)
	}
	if !strings.Contains(msg.Attachments[0].Title, "0000007") {
		t.Errorf("attachment title %q does not reference the series", msg.Attachments[0].Title)
	}
}

func TestWebhookNotifier_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	if err := NewWebhookNotifier(server.URL).Send(Notification{Title: "x"}); err == nil {
		t.Error("Send against a failing webhook returned no error")
	}
}

func TestNotificationTypeColors(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, "good"},
		{NotifyWarning, "warning"},
		{NotifyError, "danger"},
		{NotifyInfo, "#439FE0"},
	}

	for _, tt := range tests {
		got := WebhookColor(tt.typ)
		if got != tt.want {
			t.Errorf("WebhookColor(%v) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestMultiNotifier(t *testing.T) {
	var called []string

	mock1 := &mockNotifier{name: "mock1", calls: &called}
	mock2 := &mockNotifier{name: "mock2", calls: &called}

	multi := NewMultiNotifier(mock1, mock2)
	multi.Send(Notification{Title: "Test"})

	if len(called) != 2 {
		t.Errorf("Expected 2 calls, got %d", len(called))
	}
}

func TestSeriesFinished(t *testing.T) {
	tests := []struct {
		passed, failed, cancelled int
		want                      NotificationType
	}{
		{3, 0, 0, NotifySuccess},
		{2, 1, 0, NotifyError},
		{2, 0, 1, NotifyWarning},
		{0, 1, 1, NotifyError},
	}
	for _, tt := range tests {
		n := SeriesFinished(7, tt.passed, tt.failed, tt.cancelled)
		if n.Type != tt.want {
			t.Errorf("SeriesFinished(%d, %d, %d) type = %v, want %v",
				tt.passed, tt.failed, tt.cancelled, n.Type, tt.want)
		}
		if n.Series != 7 {
			t.Errorf("Series = %d, want 7", n.Series)
		}
	}
}

func TestFromConfig(t *testing.T) {
	if _, ok := FromConfig(config.NotificationsConfig{}).(NoopNotifier); !ok {
		t.Error("empty config did not yield the noop notifier")
	}
	if _, ok := FromConfig(config.NotificationsConfig{Webhook: "http://example.com"}).(*WebhookNotifier); !ok {
		t.Error("webhook-only config did not yield the webhook notifier")
	}
}

type mockNotifier struct {
	name  string
	calls *[]string
}

func (m *mockNotifier) Send(n Notification) error {
	*m.calls = append(*m.calls, m.name)
	return nil
}
