package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wagate/pkg/entities"
)

// Event names emitted by the tenant sessions.
const (
	EventMessageReceived = "message.received"
	EventConnection      = "connection"
	EventError           = "error"
)

// Notifier is what the tenant sessions call; the dispatcher implements it.
type Notifier interface {
	Notify(ctx context.Context, username string, event string, data interface{})
}

// MessageEvent is the payload of message.received notifications.
type MessageEvent struct {
	Message  interface{} `json:"message"`
	Business interface{} `json:"business,omitempty"`
	From     string      `json:"-"`
}

// TenantHooks is the slice of the store the dispatcher needs.
type TenantHooks interface {
	GetActiveWebhooks(ctx context.Context, username string) ([]entities.Webhook, error)
	GetExcludedNumbers(ctx context.Context, username string) (map[string]struct{}, error)
}

// Dispatcher delivers signed events to every active webhook of a tenant.
// Deliveries run in parallel with all-settled semantics; failures are logged
// and not retried at this layer.
type Dispatcher struct {
	repo   TenantHooks
	client *http.Client
	logger zerolog.Logger
}

func NewDispatcher(repo TenantHooks, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		repo: repo,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "webhook").Logger(),
	}
}

type payload struct {
	Event     string      `json:"event"`
	Username  string      `json:"username"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data"`
	Webhook   payloadHook `json:"webhook"`
}

type payloadHook struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Notify fans the event out to all active webhooks of the tenant.
// message.received events from excluded senders are dropped before delivery.
func (d *Dispatcher) Notify(ctx context.Context, username string, event string, data interface{}) {
	hooks, err := d.repo.GetActiveWebhooks(ctx, username)
	if err != nil {
		d.logger.Error().Err(err).Str("username", username).Msg("failed to load webhooks")
		return
	}
	if len(hooks) == 0 {
		return
	}

	if event == EventMessageReceived {
		if msg, ok := data.(MessageEvent); ok && d.isExcluded(ctx, username, msg.From) {
			d.logger.Debug().Str("username", username).Str("from", msg.From).
				Msg("sender excluded, skipping webhook delivery")
			return
		}
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)

	var wg sync.WaitGroup
	for _, hook := range hooks {
		wg.Add(1)
		go func(hook entities.Webhook) {
			defer wg.Done()
			if err := d.deliver(ctx, username, event, timestamp, data, hook); err != nil {
				d.logger.Warn().Err(err).
					Str("username", username).
					Str("event", event).
					Str("webhook", hook.Name).
					Str("url", hook.URL).
					Msg("webhook delivery failed")
				return
			}
			d.logger.Info().
				Str("username", username).
				Str("event", event).
				Str("webhook", hook.Name).
				Msg("webhook delivered")
		}(hook)
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, username, event, timestamp string, data interface{}, hook entities.Webhook) error {
	body, err := json.Marshal(payload{
		Event:     event,
		Username:  username,
		Timestamp: timestamp,
		Data:      data,
		Webhook:   payloadHook{ID: hook.ID, Name: hook.Name, URL: hook.URL},
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Baileys-API-Webhook")
	req.Header.Set("X-Event-Type", event)
	req.Header.Set("X-Username", username)
	req.Header.Set("X-Webhook-Id", fmt.Sprintf("%d", hook.ID))
	req.Header.Set("X-Webhook-Name", hook.Name)
	req.Header.Set("X-Signature", "sha256="+Sign(body, hook.Secret))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) isExcluded(ctx context.Context, username, from string) bool {
	if from == "" {
		return false
	}
	excluded, err := d.repo.GetExcludedNumbers(ctx, username)
	if err != nil {
		d.logger.Error().Err(err).Str("username", username).Msg("failed to load exclusions")
		return false
	}
	if len(excluded) == 0 {
		return false
	}
	_, found := excluded[E164FromJID(from)]
	return found
}

// Sign computes the lowercase-hex HMAC-SHA256 of body with the webhook
// secret. Consumers verify over the exact bytes as sent.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// E164FromJID derives the sender's E.164 number from a JID: "+" plus the
// digits before the "@".
func E164FromJID(jid string) string {
	user := jid
	if at := strings.Index(jid, "@"); at >= 0 {
		user = jid[:at]
	}
	var digits strings.Builder
	for _, r := range user {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return ""
	}
	return "+" + digits.String()
}
