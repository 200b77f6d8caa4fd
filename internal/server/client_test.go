package server

import (
	"testing"
	"time"

	"github.com/npezzotti/donorchat/internal/chat"
	"github.com/npezzotti/donorchat/internal/testutil"
	"github.com/npezzotti/donorchat/internal/types"
	"github.com/stretchr/testify/assert"
)

func Test_queueMessage(t *testing.T) {
	t.Run("successful queue", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		res := c.queueMessage(&ServerMessage{})
		assert.True(t, res, "expected queueMessage to return true when channel is not full")

		select {
		case msg := <-c.send:
			assert.NotNil(t, msg, "expected a message to be sent to the client")
		default:
			t.Error("expected a message to be sent to the client, but none was sent")
		}
	})
	t.Run("channel full", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			log:  testutil.TestLogger(t),
		}

		c.send <- &ServerMessage{}
		res := c.queueMessage(&ServerMessage{})
		assert.False(t, res, "expected queueMessage to return false when channel is full")
	})
}

func Test_push(t *testing.T) {
	t.Run("queues notification", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			stop: make(chan struct{}),
			log:  testutil.TestLogger(t),
		}

		c.push(chat.Event{Kind: chat.EventTyping, RoomId: "r1", Typing: []string{"u-bob"}})

		msg := <-c.send
		assert.Equal(t, &TypingUsers{RoomId: "r1", UserIds: []string{"u-bob"}}, msg.Notification.Typing)
	})
	t.Run("slow client is stopped", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			stop: make(chan struct{}),
			log:  testutil.TestLogger(t),
			user: types.User{Username: "alice"},
		}

		c.send <- &ServerMessage{}
		c.push(chat.Event{Kind: chat.EventRooms})

		select {
		case <-c.stop:
		default:
			t.Error("expected stop channel to be closed")
		}
	})
	t.Run("unknown events are dropped", func(t *testing.T) {
		c := &Client{
			send: make(chan *ServerMessage, 1),
			stop: make(chan struct{}),
			log:  testutil.TestLogger(t),
		}

		c.push(chat.Event{Kind: "bogus"})
		assert.Len(t, c.send, 0)
	})
}

func Test_serializeMessage(t *testing.T) {
	message := &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        1,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: 200,
			Data:         "test data",
		},
	}

	expected := `{"id":1,"timestamp":"` + message.Timestamp.Format(time.RFC3339Nano) +
		`","response":{"response_code":200,"data":"test data"}}`

	bytes, err := serializeMessage(message)
	assert.NoError(t, err, "expected no error during serialization")
	assert.Equal(t, expected, string(bytes), "expected serialized message to match the expected format")
}

func Test_stopClient(t *testing.T) {
	c := &Client{
		stop: make(chan struct{}),
	}

	c.stopClient()
	assert.NotPanics(t, c.stopClient, "expected stopping twice to be safe")

	select {
	case <-c.stop:
	default:
		t.Error("expected stop channel to be closed")
	}
}
