package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wagate/pkg/dtos"
	"github.com/wagate/pkg/entities"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the persistent store consumed by the ingestion workers, the
// tenant sessions and the REST layer.
type Repository interface {
	UpsertChat(ctx context.Context, jid string, partial dtos.ChatPartial) error
	UpsertChats(ctx context.Context, chats []entities.Chat) error
	SaveMessage(ctx context.Context, m dtos.MessageInfo) error
	SaveMessagesBatch(ctx context.Context, records []dtos.IngestRecord) error
	ListConversations(ctx context.Context, limit int, cursor *int64) ([]entities.Chat, error)
	ListMessages(ctx context.Context, jid string, limit int, cursor *int64) ([]entities.Message, error)
	GetOldestMessageAnchor(ctx context.Context, jid string) (*dtos.MessageAnchor, error)
	Ping(ctx context.Context) bool

	TenantRepository
}

type repository struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) Repository {
	return &repository{
		db: db,
	}
}

// UpsertChat merges the partial into the chat row; absent fields keep their
// stored value.
func (r *repository) UpsertChat(ctx context.Context, jid string, partial dtos.ChatPartial) error {
	if jid == "" {
		return fmt.Errorf("upsert chat: empty jid")
	}
	return r.upsertChatTx(r.db.WithContext(ctx), jid, partial)
}

func (r *repository) upsertChatTx(tx *gorm.DB, jid string, partial dtos.ChatPartial) error {
	chat := entities.Chat{JID: jid}
	updates := map[string]interface{}{}
	if partial.Name != nil {
		chat.Name = *partial.Name
		updates["name"] = *partial.Name
	}
	if partial.IsGroup != nil {
		chat.IsGroup = *partial.IsGroup
		updates["is_group"] = *partial.IsGroup
	}
	if partial.UnreadCount != nil {
		chat.UnreadCount = *partial.UnreadCount
		updates["unread_count"] = *partial.UnreadCount
	}
	if partial.LastMessageTimestamp != nil {
		chat.LastMessageTimestamp = partial.LastMessageTimestamp
		updates["last_message_timestamp"] = *partial.LastMessageTimestamp
	}
	if partial.LastMessageText != nil {
		chat.LastMessageText = partial.LastMessageText
		updates["last_message_text"] = *partial.LastMessageText
	}

	conflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "jid"}},
		DoNothing: len(updates) == 0,
	}
	if len(updates) > 0 {
		conflict.DoUpdates = clause.Assignments(updates)
	}
	return tx.Clauses(conflict).Create(&chat).Error
}

// UpsertChats bulk-upserts chats inside one transaction.
func (r *repository) UpsertChats(ctx context.Context, chats []entities.Chat) error {
	if len(chats) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, c := range chats {
			if c.JID == "" {
				continue
			}
			partial := dtos.ChatPartial{
				LastMessageTimestamp: c.LastMessageTimestamp,
				LastMessageText:      c.LastMessageText,
			}
			if c.Name != "" {
				name := c.Name
				partial.Name = &name
			}
			if c.IsGroup {
				isGroup := c.IsGroup
				partial.IsGroup = &isGroup
			}
			if c.UnreadCount != 0 {
				unread := c.UnreadCount
				partial.UnreadCount = &unread
			}
			if err := r.upsertChatTx(tx, c.JID, partial); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveMessage upserts the chat row first, then inserts the message. A
// duplicate message id is a no-op.
func (r *repository) SaveMessage(ctx context.Context, m dtos.MessageInfo) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return r.saveMessageTx(tx, m)
	})
}

func (r *repository) saveMessageTx(tx *gorm.DB, m dtos.MessageInfo) error {
	if m.ID == "" || m.From == "" {
		return fmt.Errorf("save message: missing id or from")
	}

	if err := r.upsertChatTx(tx, m.From, chatPartialFor(m)); err != nil {
		return fmt.Errorf("upsert chat %s: %w", m.From, err)
	}

	content, err := json.Marshal(m.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}

	msg := entities.Message{
		ID:        m.ID,
		JID:       m.From,
		FromMe:    m.FromMe,
		Timestamp: m.Timestamp,
		Type:      m.Type,
		PushName:  m.PushName,
		Content:   string(content),
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&msg).Error
}

// SaveMessagesBatch persists a batch atomically; duplicate ids are ignored.
func (r *repository) SaveMessagesBatch(ctx context.Context, records []dtos.IngestRecord) error {
	if len(records) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rec := range records {
			if err := r.saveMessageTx(tx, rec.Payload); err != nil {
				return err
			}
		}
		return nil
	})
}

func chatPartialFor(m dtos.MessageInfo) dtos.ChatPartial {
	ts := m.Timestamp
	isGroup := m.IsGroup()
	partial := dtos.ChatPartial{
		IsGroup:              &isGroup,
		LastMessageTimestamp: &ts,
	}
	if text := previewText(m); text != "" {
		partial.LastMessageText = &text
	}
	if m.PushName != "" && !m.FromMe && !isGroup {
		name := m.PushName
		partial.Name = &name
	}
	return partial
}

func previewText(m dtos.MessageInfo) string {
	if m.Content.Text != "" {
		return m.Content.Text
	}
	return m.Content.Caption
}

// ListConversations pages chats in descending last-message order, nulls last.
// Cursor semantics: strictly older than the given timestamp.
func (r *repository) ListConversations(ctx context.Context, limit int, cursor *int64) ([]entities.Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.db.WithContext(ctx).Model(&entities.Chat{}).
		Order("last_message_timestamp DESC NULLS LAST").
		Limit(limit)
	if cursor != nil {
		q = q.Where("last_message_timestamp < ?", *cursor)
	}
	var chats []entities.Chat
	err := q.Find(&chats).Error
	return chats, err
}

// ListMessages pages one chat's messages newest-first.
func (r *repository) ListMessages(ctx context.Context, jid string, limit int, cursor *int64) ([]entities.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.db.WithContext(ctx).Model(&entities.Message{}).
		Where("jid = ?", jid).
		Order("timestamp DESC").
		Limit(limit)
	if cursor != nil {
		q = q.Where("timestamp < ?", *cursor)
	}
	var messages []entities.Message
	err := q.Find(&messages).Error
	return messages, err
}

// GetOldestMessageAnchor returns the oldest stored message of a chat, or nil
// when the chat has none.
func (r *repository) GetOldestMessageAnchor(ctx context.Context, jid string) (*dtos.MessageAnchor, error) {
	var msg entities.Message
	err := r.db.WithContext(ctx).
		Where("jid = ?", jid).
		Order("timestamp ASC").
		First(&msg).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dtos.MessageAnchor{
		ID:        msg.ID,
		JID:       msg.JID,
		FromMe:    msg.FromMe,
		Timestamp: msg.Timestamp,
	}, nil
}

func (r *repository) Ping(ctx context.Context) bool {
	sqlDB, err := r.db.DB()
	if err != nil {
		return false
	}
	return sqlDB.PingContext(ctx) == nil
}
