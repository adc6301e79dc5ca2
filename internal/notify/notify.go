package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"paceline/internal/domain"
)

// Choice is one tappable option attached to a message.
type Choice struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Notifier delivers a message with choices to a contact. Implementations talk
// to the chat gateway; the lifecycle engine only sees this interface.
type Notifier interface {
	SendChoice(ctx context.Context, recipient domain.Owner, message string, choices []Choice) error
}

const defaultTimeout = 5 * time.Second

// HTTPConfig configures the chat-gateway client.
type HTTPConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Log     zerolog.Logger
}

// HTTPNotifier posts choice messages to a chat-gateway endpoint.
type HTTPNotifier struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTP(cfg HTTPConfig) *HTTPNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type choiceMessage struct {
	Recipient domain.Owner `json:"recipient"`
	Message   string       `json:"message"`
	Choices   []Choice     `json:"choices"`
}

func (n *HTTPNotifier) SendChoice(ctx context.Context, recipient domain.Owner, message string, choices []Choice) error {
	if strings.TrimSpace(n.cfg.URL) == "" {
		return fmt.Errorf("notifier url not configured")
	}
	data, err := json.Marshal(choiceMessage{Recipient: recipient, Message: message, Choices: choices})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Paceline-Recipient", recipient.ContactID)
	if strings.TrimSpace(n.cfg.Secret) != "" {
		req.Header.Set("X-Paceline-Secret", n.cfg.Secret)
	}
	res, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("gateway status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	n.cfg.Log.Debug().Str("contact", recipient.ContactID).Str("role", string(recipient.Role)).Msg("choice message delivered")
	return nil
}

// LogNotifier writes would-be messages to the log. Used when no gateway URL is
// configured, so local sweeps still mark reminders instead of retrying forever.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) SendChoice(_ context.Context, recipient domain.Owner, message string, choices []Choice) error {
	labels := make([]string, 0, len(choices))
	for _, c := range choices {
		labels = append(labels, c.Label)
	}
	n.Log.Info().
		Str("contact", recipient.ContactID).
		Str("role", string(recipient.Role)).
		Str("choices", strings.Join(labels, "/")).
		Msg(message)
	return nil
}
