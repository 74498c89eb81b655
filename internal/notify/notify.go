// Package notify is the fire-and-forget side of the control plane: chat
// webhook posts, operator email and log shipping. Failures are logged
// and swallowed so a dead sink never fails a task.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/campusweb/atlas/internal/config"
)

// ChatField is one title/value pair inside an attachment.
type ChatField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// ChatAttachment is a colored block of fields under a chat message.
type ChatAttachment struct {
	Fallback string      `json:"fallback"`
	Color    string      `json:"color,omitempty"`
	Fields   []ChatField `json:"fields,omitempty"`
}

// Attachment colors.
const (
	ColorGood    = "good"
	ColorWarning = "warning"
	ColorDanger  = "danger"
)

// ChatMessage is the webhook payload.
type ChatMessage struct {
	Text        string           `json:"text"`
	Channel     string           `json:"channel,omitempty"`
	Attachments []ChatAttachment `json:"attachments,omitempty"`
}

// Notifier fans messages out to the configured sinks.
type Notifier struct {
	cfg    *config.Config
	http   *http.Client
	mailer mailer
}

// NewNotifier wires the notifier.
func NewNotifier(cfg *config.Config) *Notifier {
	return &Notifier{
		cfg:    cfg,
		http:   &http.Client{Timeout: 15 * time.Second},
		mailer: smtpMailer{cfg: cfg},
	}
}

// Chat posts to the configured webhook. On the local environment the
// channel is rewritten to the developer DM so test noise never reaches
// the shared channel.
func (n *Notifier) Chat(ctx context.Context, msg ChatMessage) {
	if n.cfg.Chat.WebhookURL == "" {
		return
	}
	if msg.Channel == "" {
		msg.Channel = n.cfg.Chat.Channel
	}
	if n.cfg.IsLocal() && n.cfg.Chat.DevChannel != "" {
		msg.Channel = n.cfg.Chat.DevChannel
	}
	if err := n.postJSON(ctx, n.cfg.Chat.WebhookURL, msg); err != nil {
		log.Warn().Err(err).Str("channel", msg.Channel).Msg("chat post failed")
	}
}

// Mail sends a plaintext message to each recipient.
func (n *Notifier) Mail(to []string, subject, body string) {
	if n.cfg.SMTP.Host == "" || len(to) == 0 {
		return
	}
	if err := n.mailer.Send(to, subject, body); err != nil {
		log.Warn().Err(err).Strs("to", to).Str("subject", subject).Msg("mail send failed")
	}
}

// Ship posts one JSON record to the log shipper.
func (n *Notifier) Ship(ctx context.Context, record map[string]any) {
	if n.cfg.LogShip.URL == "" {
		return
	}
	if err := n.postJSON(ctx, n.cfg.LogShip.URL, record); err != nil {
		log.Warn().Err(err).Msg("log ship failed")
	}
}

func (n *Notifier) postJSON(ctx context.Context, url string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &statusError{status: resp.Status}
	}
	return nil
}

type statusError struct{ status string }

func (e *statusError) Error() string { return "sink returned " + e.status }
