package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wagate/pkg/config"
	"github.com/wagate/pkg/constant"
	"github.com/wagate/pkg/domains/ingest"
	"github.com/wagate/pkg/domains/store"
	"github.com/wagate/pkg/domains/webhook"
	"github.com/wagate/pkg/dtos"
)

var errInvalidPhone = errors.New("invalid phone number")

type Service interface {
	GetQRCode(ctx context.Context, username string) (string, error)
	SendMessage(ctx context.Context, username string, req dtos.SendMessageDTO) (*dtos.MessageResponseDTO, error)
	CheckNumber(ctx context.Context, username string, phone string) (*dtos.CheckNumberDTO, error)
	GetStatus(ctx context.Context, username string) (string, error)
	Logout(ctx context.Context, username string) error
	AutoConnectAll(ctx context.Context)
	Shutdown(ctx context.Context)
}

type service struct {
	sessions map[string]*TenantSession
	mutex    sync.RWMutex

	cfg  config.WhatsApp
	deps sessionDeps
	ctx  context.Context
}

func NewService(ctx context.Context, cfg config.WhatsApp, repo store.Repository, ing ingest.Service, notifier webhook.Notifier, logger zerolog.Logger) Service {
	return &service{
		sessions: make(map[string]*TenantSession),
		cfg:      cfg,
		deps: sessionDeps{
			repo:     repo,
			ingest:   ing,
			notifier: notifier,
			logger:   logger.With().Str("component", "whatsapp").Logger(),
		},
		ctx: ctx,
	}
}

// getSession gets or creates the tenant's session. New sessions initialize
// immediately; credentials already on disk skip the pairing flow.
func (s *service) getSession(username string) (*TenantSession, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if session, exists := s.sessions[username]; exists {
		return session, nil
	}

	session := newTenantSession(s.ctx, username, s.cfg.SessionsDir, s.deps)
	if err := s.deps.repo.EnsureTenant(s.ctx, username); err != nil {
		session.cancel()
		return nil, fmt.Errorf("ensure tenant %s: %w", username, err)
	}
	if err := session.initialize(session.hasCredentials()); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to initialize session for %s: %w", username, err)
	}

	s.sessions[username] = session
	return session, nil
}

// lookupSession returns an existing session without creating one.
func (s *service) lookupSession(username string) (*TenantSession, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	session, exists := s.sessions[username]
	return session, exists
}

// GetQRCode creates the session if needed and waits for a pairing code. An
// already-connected session returns empty with no error.
func (s *service) GetQRCode(ctx context.Context, username string) (string, error) {
	session, err := s.getSession(username)
	if err != nil {
		return "", err
	}
	if session.IsConnected() {
		return "", nil
	}

	qr := session.WaitForQR(ctx, time.Duration(s.cfg.QRTimeoutS)*time.Second)
	if qr == "" && !session.IsConnected() {
		return "", fmt.Errorf(constant.QR_TIMEOUT)
	}
	return qr, nil
}

func (s *service) SendMessage(ctx context.Context, username string, req dtos.SendMessageDTO) (*dtos.MessageResponseDTO, error) {
	session, exists := s.lookupSession(username)
	if !exists {
		return nil, fmt.Errorf(constant.SESSION_NOT_FOUND)
	}
	return session.SendMessage(ctx, req.To, req.Message)
}

func (s *service) CheckNumber(ctx context.Context, username string, phone string) (*dtos.CheckNumberDTO, error) {
	session, exists := s.lookupSession(username)
	if !exists {
		return nil, fmt.Errorf(constant.SESSION_NOT_FOUND)
	}
	return session.CheckNumber(ctx, phone)
}

func (s *service) GetStatus(ctx context.Context, username string) (string, error) {
	session, exists := s.lookupSession(username)
	if !exists {
		return string(StateIdle), nil
	}
	return string(session.State()), nil
}

func (s *service) Logout(ctx context.Context, username string) error {
	session, exists := s.lookupSession(username)
	if !exists {
		return fmt.Errorf(constant.SESSION_NOT_FOUND)
	}
	err := session.Logout(ctx)

	s.mutex.Lock()
	delete(s.sessions, username)
	s.mutex.Unlock()
	session.Close()
	return err
}

// AutoConnectAll recreates a session for every credential directory found
// under the sessions dir. Called once at startup.
func (s *service) AutoConnectAll(ctx context.Context) {
	entries, err := os.ReadDir(s.cfg.SessionsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.deps.logger.Error().Err(err).Msg("failed to scan sessions dir")
		}
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		username := entry.Name()
		if _, err := s.getSession(username); err != nil {
			s.deps.logger.Error().Err(err).Str("username", username).
				Msg("auto-connect failed")
			continue
		}
		s.deps.logger.Info().Str("username", username).Msg("auto-connect started")
	}
}

// Shutdown disconnects every session, leaving credentials on disk so the next
// start can auto-connect.
func (s *service) Shutdown(ctx context.Context) {
	s.mutex.Lock()
	sessions := make([]*TenantSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.sessions = make(map[string]*TenantSession)
	s.mutex.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}
