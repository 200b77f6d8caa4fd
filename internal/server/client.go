package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/donorchat/internal/chat"
	"github.com/npezzotti/donorchat/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 32 << 10
	requestTimeout = 15 * time.Second
)

// Client is one WebSocket connection. Requests are handled in arrival order
// on the read goroutine; responses and session pushes share the send queue.
type Client struct {
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	session    *chat.Session
	send       chan *ServerMessage
	stop       chan struct{}
	stopOnce   sync.Once
	closeOnce  sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan *ServerMessage, 256),
		stop:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.sendMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}
		msg.Timestamp = Now()

		c.queueMessage(c.handle(&msg))
	}
}

// handle runs one request against the user's session and returns the
// response to send back.
func (c *Client) handle(msg *ClientMessage) *ServerMessage {
	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()

	switch {
	case msg.Open != nil:
		room, err := c.session.OpenRoom(ctx, msg.Open.RoomId)
		if err != nil {
			return c.fail(msg, err)
		}
		return NoErrOK(msg.Id, room)
	case msg.Close != nil:
		c.session.CloseRoom()
		return NoErrAccepted(msg.Id)
	case msg.Publish != nil:
		sent, err := c.session.SendText(ctx, msg.Publish.RoomId, msg.Publish.Text, msg.Publish.ReplyTo)
		if err != nil {
			return c.fail(msg, err)
		}
		return NoErrOK(msg.Id, sent)
	case msg.Delete != nil:
		deleted, err := c.session.DeleteMessage(ctx, msg.Delete.MessageId)
		if err != nil {
			return c.fail(msg, err)
		}
		return NoErrOK(msg.Id, deleted)
	case msg.LoadMore != nil:
		n, err := c.session.LoadMoreMessages(ctx)
		if err != nil {
			return c.fail(msg, err)
		}
		return NoErrOK(msg.Id, map[string]any{
			"count":    n,
			"has_more": c.session.State().HasMore,
		})
	case msg.Typing != nil:
		if err := c.session.SetTyping(ctx, msg.Typing.RoomId, msg.Typing.IsTyping); err != nil {
			return c.fail(msg, err)
		}
		return NoErrAccepted(msg.Id)
	case msg.Read != nil:
		cleared, err := c.session.MarkRead(ctx, msg.Read.RoomId)
		if err != nil {
			return c.fail(msg, err)
		}
		return NoErrOK(msg.Id, map[string]any{"cleared": cleared})
	case msg.Create != nil:
		room, err := c.session.CreateRoom(ctx, chat.CreateRoomParams{
			Type:         msg.Create.Type,
			Name:         msg.Create.Name,
			DonationRef:  msg.Create.DonationRef,
			Participants: msg.Create.Participants,
		})
		if err != nil {
			return c.fail(msg, err)
		}
		return NoErrOK(msg.Id, room)
	case msg.Direct != nil:
		other := types.User{Id: msg.Direct.UserId, Username: msg.Direct.Username}
		room, err := c.session.OpenDirectRoom(ctx, other, msg.Direct.DonationRef)
		if err != nil {
			return c.fail(msg, err)
		}
		return NoErrOK(msg.Id, room)
	case msg.Leave != nil:
		if err := c.session.LeaveRoom(ctx, msg.Leave.RoomId); err != nil {
			return c.fail(msg, err)
		}
		return NoErrAccepted(msg.Id)
	}

	return ErrInvalidMessage(msg.Id)
}

func (c *Client) fail(msg *ClientMessage, err error) *ServerMessage {
	if types.KindOf(err) == 0 || types.Retryable(err) {
		c.log.Printf("request %d from %q: %v", msg.Id, c.user.Username, err)
	}
	return ErrFromError(msg.Id, err)
}

// push forwards a session event. It runs under the session lock, so a
// client that cannot keep up is disconnected rather than waited on.
func (c *Client) push(ev chat.Event) {
	msg := Push(ev)
	if msg == nil {
		return
	}
	if !c.queueMessage(msg) {
		c.log.Printf("disconnecting %q: send queue full", c.user.Username)
		c.stopClient()
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.session != nil {
			c.session.Close()
		}
		c.chatServer.deRegisterClient(c)
		c.stopClient()
	})
}
