package dtos

// ChatPartial carries merge-semantics chat fields; only non-nil fields
// overwrite the stored row.
type ChatPartial struct {
	Name                 *string
	IsGroup              *bool
	UnreadCount          *int
	LastMessageTimestamp *int64
	LastMessageText      *string
}

// MessageAnchor identifies the oldest stored message of a chat; used as the
// pagination anchor when requesting older history from upstream.
type MessageAnchor struct {
	ID        string `json:"id"`
	JID       string `json:"jid"`
	FromMe    bool   `json:"from_me"`
	Timestamp int64  `json:"timestamp"`
}
