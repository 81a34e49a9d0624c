package entities

// Chat is one conversation (individual or group), keyed by JID. A Message row
// always has a matching Chat row; the store upserts the chat before inserting
// the message.
type Chat struct {
	JID                  string  `json:"jid" gorm:"column:jid;primaryKey;type:varchar(255)"`
	Name                 string  `json:"name" gorm:"type:varchar(255)"`
	IsGroup              bool    `json:"is_group" gorm:"default:false"`
	UnreadCount          int     `json:"unread_count" gorm:"default:0"`
	LastMessageTimestamp *int64  `json:"last_message_timestamp" gorm:"index"`
	LastMessageText      *string `json:"last_message_text" gorm:"type:text"`
}

// Message is a persisted message. ID equals the upstream message id and is
// globally unique; duplicate insertion is a no-op.
type Message struct {
	ID        string `json:"id" gorm:"primaryKey;type:varchar(255)"`
	JID       string `json:"jid" gorm:"column:jid;type:varchar(255);index:idx_messages_jid_timestamp"`
	FromMe    bool   `json:"from_me" gorm:"default:false"`
	Timestamp int64  `json:"timestamp" gorm:"index:idx_messages_jid_timestamp"`
	Type      string `json:"type" gorm:"type:varchar(50)"`
	PushName  string `json:"push_name" gorm:"type:varchar(255)"`
	Content   string `json:"content" gorm:"type:text"`
}
