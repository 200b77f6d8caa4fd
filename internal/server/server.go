package server

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/donorchat/internal/chat"
	"github.com/npezzotti/donorchat/internal/stats"
	"github.com/npezzotti/donorchat/internal/types"
)

const MetricConnectedClients = "NumConnectedClients"

var ErrServerStopped = errors.New("chat server stopped")

// ChatServer tracks connected clients and stops them on shutdown.
type ChatServer struct {
	log            *log.Logger
	engine         *chat.Engine
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	registerChan   chan *Client
	deRegisterChan chan *Client
	stop           chan struct{}
	stopOnce       sync.Once
	done           chan struct{}
}

func NewChatServer(logger *log.Logger, engine *chat.Engine, st stats.StatsProvider) (*ChatServer, error) {
	if engine == nil {
		return nil, errors.New("chat engine is required")
	}
	st.RegisterMetric(MetricConnectedClients)

	return &ChatServer{
		log:            logger,
		engine:         engine,
		stats:          st,
		clients:        make(map[*Client]struct{}),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case client := <-cs.registerChan:
			cs.log.Printf("adding connection from %q", client.user.Username)
			cs.addClient(client)
		case client := <-cs.deRegisterChan:
			cs.log.Printf("removing connection from %q", client.user.Username)
			cs.removeClient(client)
		case <-cs.stop:
			cs.log.Println("disconnecting clients")
			for _, c := range cs.snapshot() {
				c.stopClient()
			}
			for cs.NumClients() > 0 {
				cs.removeClient(<-cs.deRegisterChan)
			}

			close(cs.done)
			return
		}
	}
}

// Connect starts a session for user over conn and begins serving it.
func (cs *ChatServer) Connect(ctx context.Context, user types.User, conn *websocket.Conn) (*Client, error) {
	client := NewClient(user, conn, cs, cs.log)

	session, err := cs.engine.NewSession(ctx, user, client.push)
	if err != nil {
		client.cancel()
		return nil, err
	}
	client.session = session

	if err := cs.registerClient(client); err != nil {
		client.cancel()
		session.Close()
		return nil, err
	}

	go client.Write()
	go client.Read()
	return client, nil
}

func (cs *ChatServer) registerClient(c *Client) error {
	select {
	case <-cs.stop:
		return ErrServerStopped
	default:
	}

	select {
	case cs.registerChan <- c:
		return nil
	case <-cs.stop:
		return ErrServerStopped
	}
}

func (cs *ChatServer) deRegisterClient(c *Client) {
	select {
	case cs.deRegisterChan <- c:
	case <-cs.done:
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	cs.clients[c] = struct{}{}
	cs.stats.Incr(MetricConnectedClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	if _, ok := cs.clients[c]; ok {
		delete(cs.clients, c)
		cs.stats.Decr(MetricConnectedClients)
	}
}

func (cs *ChatServer) snapshot() []*Client {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	return clients
}

func (cs *ChatServer) NumClients() int {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	return len(cs.clients)
}

// Shutdown disconnects every client and waits for their sessions to close.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")
	cs.stopOnce.Do(func() {
		close(cs.stop)
	})

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
