package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookNotifier posts notifications as JSON to a configured URL. The
// payload follows the incoming-webhook attachment convention, so Slack and
// Mattermost endpoints work without extra configuration.
type WebhookNotifier struct {
	webhookURL string
	client     *http.Client
}

// WebhookMessage represents a webhook message payload
type WebhookMessage struct {
	Text        string              `json:"text"`
	Attachments []WebhookAttachment `json:"attachments,omitempty"`
}

// WebhookAttachment represents a webhook message attachment
type WebhookAttachment struct {
	Color  string `json:"color"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Footer string `json:"footer,omitempty"`
}

// NewWebhookNotifier creates a new webhook notifier
func NewWebhookNotifier(webhookURL string) *WebhookNotifier {
	return &WebhookNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ToJSON converts the message to JSON
func (m *WebhookMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// WebhookColor returns the attachment color for a notification type
func WebhookColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// Send posts the notification to the webhook
func (w *WebhookNotifier) Send(n Notification) error {
	if w.webhookURL == "" {
		return nil // Disabled
	}

	msg := WebhookMessage{
		Text: n.Title,
		Attachments: []WebhookAttachment{
			{
				Color:  WebhookColor(n.Type),
				Text:   n.Message,
				Footer: "hpc-orch",
			},
		},
	}
	if n.Series > 0 {
		msg.Attachments[0].Title = fmt.Sprintf("series %07d", n.Series)
	}

	payload, err := msg.ToJSON()
	if err != nil {
		return err
	}

	resp, err := w.client.Post(w.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}

	return nil
}
