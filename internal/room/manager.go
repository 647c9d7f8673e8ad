package room

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"babblefish/internal/protocol"
)

// ErrTooManyRooms rejects room creation once the global cap is hit and no
// idle room can be evicted.
var ErrTooManyRooms = errors.New("maximum number of rooms reached")

// ManagerConfig carries the global limits the manager enforces.
type ManagerConfig struct {
	MaxRooms               int
	MaxParticipantsPerRoom int
	RoomTimeout            time.Duration
	UtteranceHardCapSec    int
	// JanitorInterval defaults to one minute; tests shorten it.
	JanitorInterval time.Duration
}

// Manager owns the set of active rooms: creation on first join, global caps,
// and idle-room cleanup.
type Manager struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	cfg    ManagerConfig
	proc   Processor
	logger *log.Logger
}

func NewManager(cfg ManagerConfig, proc Processor, logger *log.Logger) *Manager {
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Minute
	}
	return &Manager{
		rooms:  make(map[string]*Room),
		cfg:    cfg,
		proc:   proc,
		logger: logger.With("component", "rooms"),
	}
}

// Join routes a validated join into the named room, creating it on demand.
func (m *Manager) Join(roomID, name, lang string, queue *SendQueue, decoder OpusSession) (*Room, string, []protocol.ParticipantInfo, error) {
	// A room can be reaped between lookup and Join; retry once against a
	// fresh instance.
	for attempt := 0; attempt < 2; attempt++ {
		r, err := m.getOrCreate(roomID)
		if err != nil {
			return nil, "", nil, err
		}
		pid, others, err := r.Join(name, lang, queue, decoder)
		if errors.Is(err, ErrClosed) {
			m.forget(roomID, r)
			continue
		}
		if err != nil {
			return nil, "", nil, err
		}
		return r, pid, others, nil
	}
	return nil, "", nil, ErrClosed
}

func (m *Manager) getOrCreate(roomID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[roomID]; ok && !r.meta.isClosed() {
		return r, nil
	}

	if len(m.rooms) >= m.cfg.MaxRooms {
		if !m.evictOldestIdleLocked() {
			return nil, ErrTooManyRooms
		}
	}

	r := NewRoom(roomID, m.cfg.MaxParticipantsPerRoom, m.cfg.UtteranceHardCapSec, m.proc, m.logger)
	m.rooms[roomID] = r
	m.logger.Info("room created", "room", roomID, "total", len(m.rooms))
	return r, nil
}

// evictOldestIdleLocked reclaims the empty room that has been idle longest.
func (m *Manager) evictOldestIdleLocked() bool {
	var (
		victimID string
		victim   *Room
		oldest   time.Time
	)
	for id, r := range m.rooms {
		since, ok := r.IdleSince()
		if !ok {
			continue
		}
		if victim == nil || since.Before(oldest) {
			victimID, victim, oldest = id, r, since
		}
	}
	if victim == nil {
		return false
	}
	victim.Close()
	delete(m.rooms, victimID)
	m.logger.Info("evicted idle room", "room", victimID, "idle", time.Since(oldest))
	return true
}

func (m *Manager) forget(roomID string, r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rooms[roomID]; ok && cur == r {
		delete(m.rooms, roomID)
	}
}

// Run sweeps idle rooms until done is closed. Rooms empty longer than the
// configured grace period are closed and deleted.
func (m *Manager) Run(done <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-done:
			m.closeAll()
			return
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.rooms {
		since, ok := r.IdleSince()
		if !ok {
			continue
		}
		if now.Sub(since) > m.cfg.RoomTimeout {
			r.Close()
			delete(m.rooms, id)
			m.logger.Info("room expired", "room", id, "idle", now.Sub(since))
		}
	}
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.rooms {
		r.Close()
		delete(m.rooms, id)
	}
}

// RoomCount returns the number of active rooms.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// ParticipantCount returns the number of participants across all rooms.
func (m *Manager) ParticipantCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, r := range m.rooms {
		total += r.Participants()
	}
	return total
}

const roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ23456789"

// NewRoomID mints a 6-character room code from the unambiguous alphabet.
func NewRoomID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	for i := range b {
		b[i] = roomIDAlphabet[int(b[i])%len(roomIDAlphabet)]
	}
	return string(b)
}
