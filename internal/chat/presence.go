package chat

import "sync"

// Presence tracks which users have a live session and which rooms each of
// them is looking at. Counts are per session so several tabs can overlap.
type Presence struct {
	mu      sync.RWMutex
	online  map[string]int
	viewers map[string]map[string]int
}

func NewPresence() *Presence {
	return &Presence{
		online:  make(map[string]int),
		viewers: make(map[string]map[string]int),
	}
}

func (p *Presence) Connect(userId string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[userId]++
}

func (p *Presence) Disconnect(userId string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.online[userId] <= 1 {
		delete(p.online, userId)
		return
	}
	p.online[userId]--
}

func (p *Presence) View(roomId, userId string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	room, ok := p.viewers[roomId]
	if !ok {
		room = make(map[string]int)
		p.viewers[roomId] = room
	}
	room[userId]++
}

func (p *Presence) Unview(roomId, userId string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	room, ok := p.viewers[roomId]
	if !ok {
		return
	}
	if room[userId] <= 1 {
		delete(room, userId)
	} else {
		room[userId]--
	}
	if len(room) == 0 {
		delete(p.viewers, roomId)
	}
}

func (p *Presence) IsOnline(userId string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online[userId] > 0
}

func (p *Presence) IsViewing(roomId, userId string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.viewers[roomId][userId] > 0
}

func (p *Presence) OnlineCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.online)
}
