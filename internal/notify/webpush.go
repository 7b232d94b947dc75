// Package notify sends notifications for events a user would want to know
// about while away from the tab: a session exiting, a respawn controller
// giving up after exhausted write retries, and a circuit breaker tripping
// open. The web-push channel is adapted from the teacher's
// internal/notify/webpush.go (same VAPID key generation/persistence, same
// dedupe-by-endpoint subscription table), renamed to this project's config
// directory and extended to format a notification body per eventbus.Type
// instead of only the session-exit case. The Slack channel is a second,
// independent sink over the same notifiableEvents filter, built directly
// against slack-go/slack's public API (no call site for it was retrieved
// from the teacher's tree — see DESIGN.md).
package notify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/slack-go/slack"

	"github.com/ralphloop/ralph/internal/eventbus"
)

const configDir = ".config/ralph"
const vapidFile = "vapid.json"

type Manager struct {
	mu            sync.Mutex
	logger        *slog.Logger
	vapidPrivate  string
	vapidPublic   string
	subscriptions []*webpush.Subscription

	slackClient  *slack.Client
	slackChannel string
}

type vapidKeys struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

func NewManager(logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		logger:        logger,
		subscriptions: make([]*webpush.Subscription, 0),
	}
	if err := m.loadOrGenerateVAPID(); err != nil {
		return nil, err
	}
	if token := os.Getenv("RALPH_SLACK_BOT_TOKEN"); token != "" {
		m.slackClient = slack.New(token)
		m.slackChannel = os.Getenv("RALPH_SLACK_CHANNEL")
		if m.slackChannel == "" {
			m.slackChannel = "#ralph"
		}
	}
	return m, nil
}

func (m *Manager) VAPIDPublicKey() string {
	return m.vapidPublic
}

func (m *Manager) Subscribe(sub *webpush.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// dedupe by endpoint
	for _, existing := range m.subscriptions {
		if existing.Endpoint == sub.Endpoint {
			return
		}
	}
	m.subscriptions = append(m.subscriptions, sub)
	ep := sub.Endpoint
	if len(ep) > 50 {
		ep = ep[:50] + "..."
	}
	m.logger.Info("push subscription added", "endpoint", ep)
}

func (m *Manager) Unsubscribe(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, sub := range m.subscriptions {
		if sub.Endpoint == endpoint {
			m.subscriptions = append(m.subscriptions[:i], m.subscriptions[i+1:]...)
			return
		}
	}
}

func (m *Manager) Send(payload []byte) {
	m.mu.Lock()
	subs := make([]*webpush.Subscription, len(m.subscriptions))
	copy(subs, m.subscriptions)
	m.mu.Unlock()

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, sub, &webpush.Options{
			VAPIDPublicKey:  m.vapidPublic,
			VAPIDPrivateKey: m.vapidPrivate,
			Subscriber:      "mailto:ralph@localhost",
		})
		if err != nil {
			m.logger.Debug("push send failed", "err", err)
			continue
		}
		resp.Body.Close()
	}
}

// notifiableEvents is the subset of eventbus.Type worth waking a user up
// for; everything else (terminal output, message stream, tool start/end)
// is too frequent and too low-stakes for a push notification.
var notifiableEvents = map[eventbus.Type]string{
	eventbus.Exit:           "Session exited",
	eventbus.RespawnBlocked: "Respawn controller blocked",
	eventbus.BreakerTripped: "Circuit breaker tripped",
}

// NotifyEvent formats and sends a push notification for ev if its type is
// in notifiableEvents; other event types are ignored. Wired by server.New
// as an eventbus subscriber alongside the server's own SSE/WebSocket
// relay.
func (m *Manager) NotifyEvent(ev eventbus.Event) {
	title, ok := notifiableEvents[ev.Type]
	if !ok {
		return
	}
	body := fmt.Sprintf("session %s", ev.SessionID)
	if ev.Payload != nil {
		body = fmt.Sprintf("%s: %v", body, ev.Payload)
	}
	payload, err := json.Marshal(map[string]string{"title": title, "body": body})
	if err != nil {
		m.logger.Warn("failed to marshal push notification", "err", err)
		return
	}
	m.Send(payload)
	m.sendSlack(title, body)
}

// sendSlack posts title/body to the configured Slack channel if a bot token
// was supplied; a session without RALPH_SLACK_BOT_TOKEN set never touches
// the network.
func (m *Manager) sendSlack(title, body string) {
	if m.slackClient == nil {
		return
	}
	text := fmt.Sprintf("*%s*\n%s", title, body)
	if _, _, err := m.slackClient.PostMessage(m.slackChannel, slack.MsgOptionText(text, false)); err != nil {
		m.logger.Debug("slack notification failed", "err", err)
	}
}

func (m *Manager) loadOrGenerateVAPID() error {
	home, _ := os.UserHomeDir()
	dir := filepath.Join(home, configDir)
	path := filepath.Join(dir, vapidFile)

	data, err := os.ReadFile(path)
	if err == nil {
		var keys vapidKeys
		if err := json.Unmarshal(data, &keys); err == nil && keys.PrivateKey != "" {
			m.vapidPrivate = keys.PrivateKey
			m.vapidPublic = keys.PublicKey
			m.logger.Info("loaded VAPID keys")
			return nil
		}
	}

	// generate new keys
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate VAPID key: %w", err)
	}

	privBytes, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	pubBytes := elliptic.Marshal(elliptic.P256(), privKey.PublicKey.X, privKey.PublicKey.Y)

	m.vapidPrivate = base64.RawURLEncoding.EncodeToString(privBytes)
	m.vapidPublic = base64.RawURLEncoding.EncodeToString(pubBytes)

	// save
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	keys := vapidKeys{
		PrivateKey: m.vapidPrivate,
		PublicKey:  m.vapidPublic,
	}
	data, _ = json.MarshalIndent(keys, "", "  ")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save VAPID keys: %w", err)
	}

	m.logger.Info("generated new VAPID keys")
	return nil
}
