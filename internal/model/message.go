package model

import "time"

// InboundEvent is a message observed by one account in a destination group.
type InboundEvent struct {
	ID         string    `json:"id"`
	GroupID    string    `json:"group_id"`
	SenderID   string    `json:"sender_id,omitempty"`
	Text       string    `json:"text,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

type Message struct {
	ID          int64     `json:"id"`
	Destination string    `json:"destination"`
	Text        string    `json:"text"`
	ReplyToID   *int64    `json:"reply_to_id,omitempty"`
	SentBy      string    `json:"sent_by"`
	SentAt      time.Time `json:"sent_at"`
}

type ChatInfo struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Type  string `json:"type,omitempty"`
}
