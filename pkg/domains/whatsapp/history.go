package whatsapp

import (
	"context"
	"time"

	"go.mau.fi/whatsmeow"
	waTypes "go.mau.fi/whatsmeow/types"
)

const (
	historyMaxPages  = 6
	historyBatchSize = 50
	historyPageWait  = 500 * time.Millisecond
	historyChatDelay = 200 * time.Millisecond
	historyChatPage  = 1000
)

// syncHistoryOnReconnect walks the stored conversations and asks upstream for
// history older than what we already hold. Run after a reconnect, when the
// gap between the stores is most likely.
func (s *TenantSession) syncHistoryOnReconnect(ctx context.Context) {
	chats, err := s.deps.repo.ListConversations(ctx, historyChatPage, nil)
	if err != nil {
		s.deps.logger.Error().Err(err).Str("username", s.Username).
			Msg("history sync: failed to list conversations")
		return
	}

	s.deps.logger.Info().Str("username", s.Username).Int("chats", len(chats)).
		Msg("history sync started")

	for _, chat := range chats {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.syncHistoryForChat(ctx, chat.JID, historyMaxPages, historyBatchSize)
		time.Sleep(historyChatDelay)
	}

	s.deps.logger.Info().Str("username", s.Username).Msg("history sync finished")
}

// syncHistoryForChat pages backwards from the oldest stored message. The loop
// stops when the anchor fails to move backward; upstream rate limiting is
// indistinguishable from "no more history" and is treated the same.
func (s *TenantSession) syncHistoryForChat(ctx context.Context, jid string, maxPages, batch int) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil || client.Store.ID == nil {
		return
	}

	chatJID, err := NormalizeJID(jid)
	if err != nil {
		return
	}
	self := client.Store.ID.ToNonAD()

	for page := 0; page < maxPages; page++ {
		anchor, err := s.deps.repo.GetOldestMessageAnchor(ctx, jid)
		if err != nil || anchor == nil {
			return
		}

		anchorInfo := &waTypes.MessageInfo{
			ID:        anchor.ID,
			Timestamp: time.Unix(anchor.Timestamp, 0),
			MessageSource: waTypes.MessageSource{
				Chat:     chatJID,
				IsFromMe: anchor.FromMe,
			},
		}

		request := client.BuildHistorySyncRequest(anchorInfo, batch)
		if request == nil {
			return
		}
		if _, err := client.SendMessage(ctx, self, request, whatsmeow.SendRequestExtra{Peer: true}); err != nil {
			s.deps.logger.Warn().Err(err).Str("username", s.Username).Str("jid", jid).
				Msg("history request failed")
			return
		}

		// Give the inbound history events time to flow through ingestion.
		select {
		case <-time.After(historyPageWait):
		case <-ctx.Done():
			return
		}

		after, err := s.deps.repo.GetOldestMessageAnchor(ctx, jid)
		if err != nil || after == nil || after.Timestamp >= anchor.Timestamp {
			return
		}
	}
}
