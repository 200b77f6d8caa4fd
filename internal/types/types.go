package types

import (
	"time"
)

type RoomType string

const (
	RoomTypeDirect   RoomType = "direct"
	RoomTypeGroup    RoomType = "group"
	RoomTypeDonation RoomType = "donation"
)

func (t RoomType) Valid() bool {
	switch t {
	case RoomTypeDirect, RoomTypeGroup, RoomTypeDonation:
		return true
	}
	return false
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// MessageStatus only ever moves forward: sent -> delivered -> read.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

func (s MessageStatus) Valid() bool {
	return s.rank() > 0
}

// After reports whether s is strictly later than other.
func (s MessageStatus) After(other MessageStatus) bool {
	return s.rank() > other.rank()
}

type User struct {
	Id       string `json:"id"`
	Username string `json:"username"`
}

type Participant struct {
	UserId      string    `json:"user_id"`
	Username    string    `json:"username"`
	Role        Role      `json:"role"`
	IsTyping    bool      `json:"is_typing"`
	UnreadCount int       `json:"unread_count"`
	LastReadAt  time.Time `json:"last_read_at,omitempty"`
	JoinedAt    time.Time `json:"joined_at,omitempty"`
}

type LastMessage struct {
	MessageId string    `json:"message_id"`
	SenderId  string    `json:"sender_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type Room struct {
	Id             string        `json:"id"`
	Type           RoomType      `json:"type"`
	Name           string        `json:"name,omitempty"`
	DonationRef    string        `json:"donation_ref,omitempty"`
	Participants   []Participant `json:"participants"`
	ParticipantIds []string      `json:"participant_ids"`
	IsActive       bool          `json:"is_active"`
	LastMessage    *LastMessage  `json:"last_message,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	// ActivityTs is the last message time, or creation time, in unix
	// microseconds. Room lists sort on it.
	ActivityTs int64 `json:"activity_ts"`
}

// Participant returns the membership record for userId.
func (r *Room) Participant(userId string) (*Participant, bool) {
	for i := range r.Participants {
		if r.Participants[i].UserId == userId {
			return &r.Participants[i], true
		}
	}
	return nil, false
}

func (r *Room) HasParticipant(userId string) bool {
	_, ok := r.Participant(userId)
	return ok
}

type Attachment struct {
	Id       string `json:"id"`
	Url      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

type Message struct {
	Id          string        `json:"id"`
	RoomId      string        `json:"room_id"`
	SenderId    string        `json:"sender_id"`
	SenderName  string        `json:"sender_name"`
	Text        string        `json:"text,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Status      MessageStatus `json:"status"`
	ReplyTo     string        `json:"reply_to,omitempty"`
	Deleted     bool          `json:"deleted,omitempty"`
	DeletedAt   *time.Time    `json:"deleted_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	// Ts is CreatedAt in unix microseconds; it is the ordering and pagination key.
	Ts int64 `json:"ts"`
	// Seq is the store insertion sequence and breaks timestamp ties.
	Seq int64 `json:"seq,omitempty"`
	// Pending marks an optimistic local copy that the store has not confirmed yet.
	Pending bool `json:"pending,omitempty"`
}

// Before reports whether m sorts ahead of other in a room's total order.
func (m Message) Before(other Message) bool {
	if m.Ts != other.Ts {
		return m.Ts < other.Ts
	}
	return m.Seq < other.Seq
}

// Redacted returns the client-visible form of the message. Soft-deleted
// messages keep their id and slot but lose body and attachments.
func (m Message) Redacted() Message {
	if !m.Deleted {
		return m
	}
	m.Text = ""
	m.Attachments = nil
	return m
}

type Notification struct {
	Id         string    `json:"id"`
	UserId     string    `json:"user_id"`
	RoomId     string    `json:"room_id"`
	MessageId  string    `json:"message_id"`
	SenderId   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Preview    string    `json:"preview,omitempty"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"created_at"`
	CreatedTs  int64     `json:"created_ts"`
}
