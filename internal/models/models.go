package models

import (
	"errors"
	"strings"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAuth             = errors.New("not signed in")
	ErrAuthCancelled    = errors.New("sign-in cancelled")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidGroup     = errors.New("invalid group")
	ErrForbidden        = errors.New("forbidden")
)

// User represents a chat participant.
type User struct {
	ID          string `json:"id" msgpack:"id"`
	DisplayName string `json:"displayName" msgpack:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty" msgpack:"avatarUrl"`
	Online      bool   `json:"online" msgpack:"online"`
	LastSeen    int64  `json:"lastSeen" msgpack:"lastSeen"` // Unix timestamp (seconds)
}

type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Conversation is either a direct chat between two users or a named group.
type Conversation struct {
	ID      string            `json:"id"`
	Kind    ConversationKind  `json:"kind"`
	Name    string            `json:"name,omitempty"`
	Members map[string]string `json:"members,omitempty"` // user id -> display name
}

// MessagesPath is the store path holding the conversation messages.
func (c Conversation) MessagesPath() string {
	if c.Kind == ConversationGroup {
		return "groups/" + c.ID + "/chats"
	}
	return "chats/" + c.ID
}

// TypingPath is the store path holding typing flags of the participants.
func (c Conversation) TypingPath() string {
	return "typing/" + c.ID
}

// Group is the metadata document stored at groups/{id}.
type Group struct {
	ID        string            `json:"id" msgpack:"id"`
	Name      string            `json:"name" msgpack:"name"`
	Members   map[string]string `json:"members" msgpack:"members"`
	CreatedBy string            `json:"createdBy" msgpack:"createdBy"`
	CreatedAt int64             `json:"createdAt" msgpack:"createdAt"`
}

func (g Group) HasMember(userID string) bool {
	_, ok := g.Members[userID]
	return ok
}

func (g Group) Conversation() Conversation {
	return Conversation{
		ID:      g.ID,
		Kind:    ConversationGroup,
		Name:    g.Name,
		Members: g.Members,
	}
}

// MessageStatus is the delivery stage of a message.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
)

// Rank orders statuses: Sent < Delivered < Seen. Unknown statuses rank lowest.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusSeen:
		return 3
	}
	return 0
}

// ReplyRef is a denormalized pointer to the message being replied to.
type ReplyRef struct {
	Key        string `json:"key" msgpack:"key"`
	Snippet    string `json:"snippet" msgpack:"snippet"`
	SenderName string `json:"senderName" msgpack:"senderName"`
}

// Message represents a chat message. Key is assigned by the store and is
// not part of the stored document.
type Message struct {
	Key               string        `json:"key" msgpack:"-"`
	SenderID          string        `json:"senderId" msgpack:"senderId"`
	SenderDisplayName string        `json:"senderDisplayName" msgpack:"senderDisplayName"`
	SenderAvatarURL   string        `json:"senderAvatarUrl,omitempty" msgpack:"senderAvatarUrl"`
	Body              *string       `json:"body,omitempty" msgpack:"body,omitempty"`
	Timestamp         int64         `json:"timestamp" msgpack:"timestamp"`
	Status            MessageStatus `json:"status" msgpack:"status"`
	ReplyRef          *ReplyRef     `json:"replyRef,omitempty" msgpack:"replyRef,omitempty"`
}

// Text returns the body or an empty string for non-text payloads.
func (m Message) Text() string {
	if m.Body == nil {
		return ""
	}
	return *m.Body
}

// NewTextMessage builds an outgoing text message from the given sender.
// Blank bodies are stored as absent.
func NewTextMessage(sender User, body string, timestamp int64) Message {
	msg := Message{
		SenderID:          sender.ID,
		SenderDisplayName: sender.DisplayName,
		SenderAvatarURL:   sender.AvatarURL,
		Timestamp:         timestamp,
	}
	if strings.TrimSpace(body) != "" {
		msg.Body = &body
	}
	return msg
}

// TypingFlag is the document stored at typing/{conversationId}/{userId}.
type TypingFlag struct {
	Typing bool `msgpack:"typing"`
}
