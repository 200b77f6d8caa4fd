package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/donorchat/internal/chat"
	"github.com/npezzotti/donorchat/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a request from a connected client. Exactly one of the
// operation fields is set.
type ClientMessage struct {
	BaseMessage
	Open     *Open     `json:"open,omitempty"`
	Close    *Close    `json:"close,omitempty"`
	Publish  *Publish  `json:"publish,omitempty"`
	Delete   *Delete   `json:"delete,omitempty"`
	LoadMore *LoadMore `json:"load_more,omitempty"`
	Typing   *Typing   `json:"typing,omitempty"`
	Read     *Read     `json:"read,omitempty"`
	Create   *Create   `json:"create,omitempty"`
	Direct   *Direct   `json:"direct,omitempty"`
	Leave    *Leave    `json:"leave,omitempty"`
}

type Open struct {
	RoomId string `json:"room_id"`
}

type Close struct{}

type Publish struct {
	RoomId  string `json:"room_id"`
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type Delete struct {
	MessageId string `json:"message_id"`
}

type LoadMore struct{}

type Typing struct {
	RoomId   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

type Read struct {
	RoomId string `json:"room_id"`
}

type Create struct {
	Type         types.RoomType      `json:"type"`
	Name         string              `json:"name,omitempty"`
	DonationRef  string              `json:"donation_ref,omitempty"`
	Participants []types.Participant `json:"participants"`
}

type Direct struct {
	UserId      string `json:"user_id"`
	Username    string `json:"username"`
	DonationRef string `json:"donation_ref"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

// ServerMessage is either the response to a ClientMessage, carrying its id,
// or a pushed Notification.
type ServerMessage struct {
	BaseMessage
	Response     *Response     `json:"response,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	Rooms    *RoomList     `json:"rooms,omitempty"`
	Room     *RoomUpdate   `json:"room,omitempty"`
	Messages *MessageBatch `json:"messages,omitempty"`
	Typing   *TypingUsers  `json:"typing,omitempty"`
	Unread   *chat.Unread  `json:"unread,omitempty"`
	Error    *FeedError    `json:"error,omitempty"`
}

// FeedError reports that a feed stopped updating. RoomId is empty for the
// room list and unread feeds. A retryable feed catches up by itself once
// the store recovers.
type FeedError struct {
	RoomId    string `json:"room_id,omitempty"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

type RoomList struct {
	Rooms []types.Room `json:"rooms"`
}

// RoomUpdate carries the open room. Closed is set, and Room is nil, when
// the room was closed because the user no longer belongs to it.
type RoomUpdate struct {
	RoomId string      `json:"room_id"`
	Room   *types.Room `json:"room,omitempty"`
	Closed bool        `json:"closed,omitempty"`
}

type MessageBatch struct {
	RoomId   string          `json:"room_id"`
	Messages []types.Message `json:"messages"`
	Reset    bool            `json:"reset,omitempty"`
	Older    bool            `json:"older,omitempty"`
	Removed  []string        `json:"removed,omitempty"`
}

type TypingUsers struct {
	RoomId  string   `json:"room_id"`
	UserIds []string `json:"user_ids"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func ErrInternalError(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
			Retryable:    true,
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

// ErrFromError builds the response for a failed request. Typed engine
// errors keep their message; anything else is reported as an internal
// error.
func ErrFromError(id int, err error) *ServerMessage {
	var code int
	switch types.KindOf(err) {
	case types.KindValidation:
		code = http.StatusBadRequest
	case types.KindNotFound:
		code = http.StatusNotFound
	case types.KindPermission:
		code = http.StatusForbidden
	case types.KindTransientStore:
		return ErrServiceUnavailable(id)
	default:
		return ErrInternalError(id)
	}

	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        err.Error(),
		},
	}
}

// Push converts a session event into a notification for the client.
func Push(ev chat.Event) *ServerMessage {
	n := &Notification{}

	switch ev.Kind {
	case chat.EventRooms:
		rooms := ev.Rooms
		if rooms == nil {
			rooms = []types.Room{}
		}
		n.Rooms = &RoomList{Rooms: rooms}
	case chat.EventRoom:
		n.Room = &RoomUpdate{
			RoomId: ev.RoomId,
			Room:   ev.Room,
			Closed: ev.Room == nil,
		}
	case chat.EventMessages:
		n.Messages = &MessageBatch{
			RoomId:   ev.RoomId,
			Messages: ev.Messages,
			Reset:    ev.Reset,
			Older:    ev.Older,
			Removed:  ev.Removed,
		}
	case chat.EventTyping:
		n.Typing = &TypingUsers{
			RoomId:  ev.RoomId,
			UserIds: ev.Typing,
		}
	case chat.EventUnread:
		n.Unread = ev.Unread
	case chat.EventError:
		n.Error = &FeedError{
			RoomId:    ev.RoomId,
			Error:     "feed unavailable",
			Retryable: types.Retryable(ev.Err),
		}
	default:
		return nil
	}

	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Notification: n,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
