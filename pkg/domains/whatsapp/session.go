package whatsapp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wagate/pkg/constant"
	"github.com/wagate/pkg/domains/ingest"
	"github.com/wagate/pkg/domains/store"
	"github.com/wagate/pkg/domains/webhook"
	"github.com/wagate/pkg/dtos"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

// SessionState is the lifecycle state of one tenant's upstream connection.
type SessionState string

const (
	StateIdle         SessionState = "idle"
	StateConnecting   SessionState = "connecting"
	StateWaitingQR    SessionState = "waiting_qr"
	StateConnected    SessionState = "connected"
	StateReconnecting SessionState = "reconnecting"
	StateLoggedOut    SessionState = "logged_out"
)

// sessionDeps is what every tenant session needs from the composition root.
type sessionDeps struct {
	repo     store.Repository
	ingest   ingest.Service
	notifier webhook.Notifier
	logger   zerolog.Logger
}

// TenantSession wraps one tenant's upstream socket and translates its events
// into ingestion and webhook traffic. Credentials on disk under sessionPath
// are the durable backing that lets sessions be recreated on restart.
type TenantSession struct {
	Username    string
	sessionPath string

	deps sessionDeps

	mu                sync.Mutex
	state             SessionState
	client            *whatsmeow.Client
	container         *sqlstore.Container
	qr                string
	reconnectAttempts int
	wasReconnect      bool
	closing           bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newTenantSession(ctx context.Context, username, sessionsDir string, deps sessionDeps) *TenantSession {
	sctx, cancel := context.WithCancel(ctx)
	return &TenantSession{
		Username:    username,
		sessionPath: filepath.Join(sessionsDir, username),
		deps:        deps,
		state:       StateIdle,
		ctx:         sctx,
		cancel:      cancel,
	}
}

func (s *TenantSession) credsPath() string {
	return filepath.Join(s.sessionPath, "creds.db")
}

func (s *TenantSession) hasCredentials() bool {
	_, err := os.Stat(s.credsPath())
	return err == nil
}

// State returns the current lifecycle state.
func (s *TenantSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the upstream socket is open and logged in.
func (s *TenantSession) IsConnected() bool {
	s.mu.Lock()
	client := s.client
	state := s.state
	s.mu.Unlock()
	return state == StateConnected && client != nil && client.IsConnected()
}

// initialize brings the session from Idle/Reconnecting to Connecting. A
// reconnect without credentials on disk fails; exhausting the reconnect
// budget wipes the credentials and restarts from a clean pairing.
func (s *TenantSession) initialize(isReconnecting bool) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return fmt.Errorf("session %s is shutting down", s.Username)
	}

	if isReconnecting && !s.hasCredentials() {
		s.mu.Unlock()
		return fmt.Errorf("reconnect for %s without credentials on disk", s.Username)
	}
	if s.reconnectAttempts > constant.MaxReconnectAttempts {
		s.deps.logger.Warn().Str("username", s.Username).
			Int("attempts", s.reconnectAttempts).
			Msg("reconnect budget exhausted, wiping session")
		s.wipeCredentialsLocked()
		s.state = StateLoggedOut
		s.reconnectAttempts = 0
		isReconnecting = false
	}

	s.teardownClientLocked()
	s.state = StateConnecting
	s.wasReconnect = isReconnecting
	s.qr = ""
	s.mu.Unlock()

	if err := os.MkdirAll(s.sessionPath, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	clientLog := waLog.Zerolog(s.deps.logger.With().
		Str("component", "whatsmeow").
		Str("username", s.Username).
		Logger())

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", s.credsPath())
	container, err := sqlstore.New(s.ctx, "sqlite", dsn, clientLog)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}

	device, err := container.GetFirstDevice(s.ctx)
	if err != nil {
		container.Close()
		return fmt.Errorf("get device: %w", err)
	}

	client := whatsmeow.NewClient(device, clientLog)
	client.EnableAutoReconnect = false
	client.AddEventHandler(s.handleEvent)

	s.mu.Lock()
	s.container = container
	s.client = client
	s.mu.Unlock()

	if client.Store.ID == nil {
		// Fresh pairing: the QR channel must be requested before Connect.
		qrChan, err := client.GetQRChannel(s.ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}
		go s.consumeQR(qrChan)
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (s *TenantSession) consumeQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			s.mu.Lock()
			s.qr = evt.Code
			s.state = StateWaitingQR
			s.mu.Unlock()
			s.deps.logger.Info().Str("username", s.Username).Msg("qr code issued")
		case "success":
			s.deps.logger.Info().Str("username", s.Username).Msg("qr pairing succeeded")
		case "timeout":
			s.deps.logger.Warn().Str("username", s.Username).Msg("qr pairing timed out")
			s.mu.Lock()
			s.qr = ""
			s.mu.Unlock()
		default:
			s.deps.logger.Debug().Str("username", s.Username).
				Str("event", evt.Event).Msg("qr channel event")
		}
	}
}

// WaitForQR blocks until a pairing code is available, the session connects,
// or the deadline passes. A deadline elapse returns empty without error; the
// caller reports the timeout.
func (s *TenantSession) WaitForQR(ctx context.Context, timeout time.Duration) string {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		qr := s.qr
		state := s.state
		s.mu.Unlock()
		if qr != "" || state == StateConnected {
			return qr
		}
		select {
		case <-time.After(250 * time.Millisecond):
		case <-ctx.Done():
			return ""
		}
	}
	return ""
}

// handleEvent is the single upstream event entry point. A panic in a handler
// is recovered, logged and surfaced as an error webhook, so it never crashes
// the session. Of the handler failures that return normally, only a live
// message rejected by ingestion sends an error webhook; failed chat or name
// upserts and rejected history messages are logged only.
func (s *TenantSession) handleEvent(evt interface{}) {
	defer func() {
		if r := recover(); r != nil {
			s.deps.logger.Error().Str("username", s.Username).
				Interface("panic", r).Msg("event handler panicked")
			s.deps.notifier.Notify(s.ctx, s.Username, webhook.EventError,
				map[string]interface{}{"error": fmt.Sprint(r)})
		}
	}()

	switch v := evt.(type) {
	case *events.Connected:
		s.onConnected()
	case *events.LoggedOut:
		s.onLoggedOut(fmt.Sprintf("upstream logout: %v", v.Reason))
	case *events.Disconnected:
		s.onDisconnected("disconnected")
	case *events.StreamReplaced:
		s.onDisconnected("stream replaced")
	case *events.ConnectFailure:
		s.onDisconnected(fmt.Sprintf("connect failure: %v", v.Reason))
	case *events.Message:
		s.onMessage(v)
	case *events.HistorySync:
		s.onHistorySync(v)
	case *events.PushName:
		s.upsertChatName(v.JID.String(), v.NewPushName)
	case *events.Contact:
		s.upsertChatName(v.JID.String(), v.Action.GetFullName())
	}
}

func (s *TenantSession) onConnected() {
	s.mu.Lock()
	s.state = StateConnected
	s.reconnectAttempts = 0
	s.qr = ""
	wasReconnect := s.wasReconnect
	s.wasReconnect = false
	s.mu.Unlock()

	s.deps.logger.Info().Str("username", s.Username).Msg("upstream connection open")
	s.deps.notifier.Notify(s.ctx, s.Username, webhook.EventConnection,
		map[string]interface{}{"status": "connected"})

	go s.refreshBusinessInfo(s.ctx)
	if wasReconnect {
		go s.syncHistoryOnReconnect(s.ctx)
	}
}

func (s *TenantSession) onLoggedOut(reason string) {
	s.deps.logger.Warn().Str("username", s.Username).Str("reason", reason).
		Msg("upstream reported logout, wiping credentials")

	s.mu.Lock()
	s.teardownClientLocked()
	s.wipeCredentialsLocked()
	s.state = StateLoggedOut
	s.reconnectAttempts = 0
	closing := s.closing
	s.mu.Unlock()

	s.deps.notifier.Notify(s.ctx, s.Username, webhook.EventConnection,
		map[string]interface{}{"status": "logged_out", "reason": reason})

	if closing {
		return
	}
	// Restart from a clean pairing so the tenant can re-scan.
	go func() {
		if err := s.initialize(false); err != nil {
			s.deps.logger.Error().Err(err).Str("username", s.Username).
				Msg("fresh initialize after logout failed")
		}
	}()
}

func (s *TenantSession) onDisconnected(reason string) {
	s.mu.Lock()
	if s.closing || s.state == StateLoggedOut {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	s.reconnectAttempts++
	attempts := s.reconnectAttempts
	s.mu.Unlock()

	s.deps.logger.Warn().Str("username", s.Username).Str("reason", reason).
		Int("attempt", attempts).Msg("upstream connection lost, reconnecting")

	go func() {
		time.Sleep(time.Duration(attempts) * time.Second)
		if err := s.initialize(true); err != nil {
			s.deps.logger.Error().Err(err).Str("username", s.Username).
				Msg("reconnect failed")
		}
	}()
}

func (s *TenantSession) onMessage(evt *events.Message) {
	info, ok := NormalizeMessage(evt)
	if !ok {
		return
	}

	ack := s.deps.ingest.EnqueueMessage(s.ctx, info)
	if !ack.Accepted {
		s.deps.logger.Error().Str("username", s.Username).
			Str("reason", ack.Reason).Str("message_id", info.ID).
			Msg("message rejected by ingestion")
		s.deps.notifier.Notify(s.ctx, s.Username, webhook.EventError,
			map[string]interface{}{"error": "ingestion rejected message", "reason": ack.Reason})
		return
	}

	business, err := s.deps.repo.GetBusinessInfo(s.ctx, s.Username)
	if err != nil {
		s.deps.logger.Warn().Err(err).Str("username", s.Username).
			Msg("failed to load business info for webhook")
	}
	s.deps.notifier.Notify(s.ctx, s.Username, webhook.EventMessageReceived, webhook.MessageEvent{
		Message:  info,
		Business: business,
		From:     info.From,
	})
}

func (s *TenantSession) onHistorySync(evt *events.HistorySync) {
	if evt == nil || evt.Data == nil {
		return
	}
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return
	}

	for _, pushname := range evt.Data.GetPushnames() {
		s.upsertChatName(pushname.GetID(), pushname.GetPushname())
	}

	for _, conv := range evt.Data.GetConversations() {
		jid := conv.GetID()
		if jid == "" {
			continue
		}
		chatJID, err := NormalizeJID(jid)
		if err != nil {
			continue
		}

		partial := dtos.ChatPartial{}
		if name := conv.GetName(); name != "" {
			partial.Name = &name
		}
		if unread := int(conv.GetUnreadCount()); unread > 0 {
			partial.UnreadCount = &unread
		}
		if err := s.deps.repo.UpsertChat(s.ctx, chatJID.String(), partial); err != nil {
			s.deps.logger.Warn().Err(err).Str("jid", jid).Msg("history chat upsert failed")
		}

		for _, historyMsg := range conv.GetMessages() {
			webMsg := historyMsg.GetMessage()
			if webMsg == nil {
				continue
			}
			parsed, err := client.ParseWebMessage(chatJID, webMsg)
			if err != nil {
				continue
			}
			info, ok := NormalizeMessage(parsed)
			if !ok {
				continue
			}
			if ack := s.deps.ingest.EnqueueMessage(s.ctx, info); !ack.Accepted {
				s.deps.logger.Warn().Str("username", s.Username).
					Str("reason", ack.Reason).Str("message_id", info.ID).
					Msg("history message rejected by ingestion")
			}
		}
	}
}

func (s *TenantSession) upsertChatName(jid, name string) {
	if jid == "" || name == "" {
		return
	}
	if err := s.deps.repo.UpsertChat(s.ctx, jid, dtos.ChatPartial{Name: &name}); err != nil {
		s.deps.logger.Warn().Err(err).Str("jid", jid).Msg("contact name upsert failed")
	}
}

// SendMessage sends a text and feeds the synthesized outbound MessageInfo
// through the same ingestion path as inbound traffic.
func (s *TenantSession) SendMessage(ctx context.Context, to, text string) (*dtos.MessageResponseDTO, error) {
	s.mu.Lock()
	client := s.client
	state := s.state
	s.mu.Unlock()

	if client == nil || state != StateConnected || !client.IsConnected() {
		return nil, fmt.Errorf(constant.WHATSAPP_NOT_CONNECTED)
	}

	jid, err := NormalizeJID(to)
	if err != nil {
		return nil, fmt.Errorf(constant.INVALID_PHONE_NUMBER+": %v", err)
	}

	msg := &waProto.Message{
		Conversation: proto.String(text),
	}
	resp, err := client.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %v", err)
	}

	outbound := dtos.MessageInfo{
		ID:        resp.ID,
		From:      jid.String(),
		FromMe:    true,
		Timestamp: resp.Timestamp.Unix(),
		Type:      "conversation",
		PushName:  client.Store.PushName,
		Content: dtos.MessageContent{
			Type: dtos.MessageTypeText,
			Text: text,
		},
	}
	if ack := s.deps.ingest.EnqueueMessage(ctx, outbound); !ack.Accepted {
		s.deps.logger.Warn().Str("username", s.Username).Str("reason", ack.Reason).
			Msg("outbound message rejected by ingestion")
	}

	return &dtos.MessageResponseDTO{
		MessageID: resp.ID,
		Timestamp: resp.Timestamp.Format(time.RFC3339),
		Status:    "sent",
		To:        to,
	}, nil
}

// CheckNumber reports whether a phone number is registered upstream.
func (s *TenantSession) CheckNumber(ctx context.Context, phone string) (*dtos.CheckNumberDTO, error) {
	s.mu.Lock()
	client := s.client
	state := s.state
	s.mu.Unlock()

	if client == nil || state != StateConnected || !client.IsConnected() {
		return nil, fmt.Errorf(constant.WHATSAPP_NOT_CONNECTED)
	}

	digits := PhoneDigits(phone)
	if digits == "" {
		return nil, fmt.Errorf(constant.INVALID_PHONE_NUMBER)
	}

	resp, err := client.IsOnWhatsApp([]string{digits})
	if err != nil {
		return nil, fmt.Errorf("failed to check number: %v", err)
	}
	if len(resp) == 0 {
		return &dtos.CheckNumberDTO{Exists: false}, nil
	}

	result := &dtos.CheckNumberDTO{Exists: resp[0].IsIn}
	if resp[0].IsIn {
		jid := resp[0].JID.String()
		result.JID = &jid
	}
	return result, nil
}

// Logout logs the tenant out upstream and wipes local credentials.
func (s *TenantSession) Logout(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client != nil {
		if err := client.Logout(ctx); err != nil {
			s.deps.logger.Warn().Err(err).Str("username", s.Username).
				Msg("upstream logout returned error")
		}
	}

	s.mu.Lock()
	s.teardownClientLocked()
	s.wipeCredentialsLocked()
	s.state = StateLoggedOut
	s.mu.Unlock()

	s.deps.notifier.Notify(ctx, s.Username, webhook.EventConnection,
		map[string]interface{}{"status": "logged_out", "reason": "user_logout"})
	return nil
}

// Close tears the session down without touching credentials; used at process
// shutdown so autoConnectAll can resurrect the session later.
func (s *TenantSession) Close() {
	s.mu.Lock()
	s.closing = true
	s.teardownClientLocked()
	s.state = StateIdle
	s.mu.Unlock()
	s.cancel()
}

func (s *TenantSession) teardownClientLocked() {
	if s.client != nil {
		s.client.Disconnect()
		s.client = nil
	}
	if s.container != nil {
		s.container.Close()
		s.container = nil
	}
}

func (s *TenantSession) wipeCredentialsLocked() {
	if err := os.RemoveAll(s.sessionPath); err != nil {
		s.deps.logger.Error().Err(err).Str("username", s.Username).
			Msg("failed to remove credential directory")
	}
}
