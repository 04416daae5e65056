// Package games runs kanaparty quiz rooms.
//
// Features:
// - Rooms identified by 6-char codes from crypto/rand, with collision check
// - Host key (UUID) required to start a game or advance questions
// - Phase cycle lobby -> countdown -> play -> recap -> ... -> results
// - Server-owned timers, re-validated against room state when they fire
// - Full state snapshots on every transition and score change
// - Lightweight player-list snapshots on join/leave
// - Rooms removed the moment their last player leaves
// - Rooms that are created but never joined are reaped after a timeout
package games

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	CodeLength = 6
	CodeChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Options configure a Registry and every room it creates.
type Options struct {
	MaxPlayers        int
	TotalQuestions    int
	TimePerQuestion   time.Duration
	CountdownDuration time.Duration
	RecapDuration     time.Duration

	// RoomTimeout is how long a room may sit without players before the
	// reaper removes it. Zero disables reaping.
	RoomTimeout time.Duration

	AllowLateJoin     bool
	DedupeCompletions bool

	Clock  Clock
	Logger zerolog.Logger
}

func DefaultOptions() Options {
	return Options{
		MaxPlayers:        40,
		TotalQuestions:    20,
		TimePerQuestion:   10 * time.Second,
		CountdownDuration: 3 * time.Second,
		RecapDuration:     3 * time.Second,
		RoomTimeout:       10 * time.Minute,
		AllowLateJoin:     true,
		Clock:             SystemClock(),
		Logger:            zerolog.Nop(),
	}
}

// Stats is the process-wide room summary.
type Stats struct {
	Rooms        int `json:"rooms"`
	TotalPlayers int `json:"totalPlayers"`
}

// Registry owns every room and the player -> room index. Membership changes
// take mu before the room's own lock.
type Registry struct {
	opts Options

	mu      sync.RWMutex
	rooms   map[string]*Room
	players map[string]string // playerID -> room code

	newCode func() (string, error)
}

func NewRegistry(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}

	return &Registry{
		opts:    opts,
		rooms:   make(map[string]*Room),
		players: make(map[string]string),
		newCode: randomCode,
	}
}

func randomCode() (string, error) {
	code := make([]byte, CodeLength)
	limit := big.NewInt(int64(len(CodeChars)))
	for i := range code {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		code[i] = CodeChars[n.Int64()]
	}
	return string(code), nil
}

// CreateRoom registers an empty room in the lobby phase.
func (reg *Registry) CreateRoom() (string, string, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var code string
	for {
		c, err := reg.newCode()
		if err != nil {
			return "", "", fmt.Errorf("generating room code: %w", err)
		}
		if _, exists := reg.rooms[c]; !exists {
			code = c
			break
		}
	}

	hostKey := uuid.NewString()
	reg.rooms[code] = newRoom(code, hostKey, reg.opts)

	reg.opts.Logger.Info().Str("room", code).Int("rooms", len(reg.rooms)).Msg("room created")

	return code, hostKey, nil
}

// Room looks up a live room by code.
func (reg *Registry) Room(code string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	room, ok := reg.rooms[code]
	return room, ok
}

// JoinRoom adds or replaces playerID in the room. A player that was a member
// of another room is moved out of it once the join succeeds.
func (reg *Registry) JoinRoom(code, playerID, name string, conn Conn, isHost bool) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, ok := reg.rooms[code]
	if !ok {
		return ErrRoomNotFound
	}

	if err := room.addPlayer(playerID, name, conn, isHost); err != nil {
		return err
	}

	if prev, ok := reg.players[playerID]; ok && prev != code {
		reg.removeFromRoomLocked(prev, playerID)
	}
	reg.players[playerID] = code

	return nil
}

// LeaveRoom removes playerID from its room, deleting the room if it is now
// empty. Unknown players are ignored.
func (reg *Registry) LeaveRoom(playerID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	code, ok := reg.players[playerID]
	if !ok {
		return
	}
	delete(reg.players, playerID)

	reg.removeFromRoomLocked(code, playerID)
}

// Disconnect is LeaveRoom for a closed connection: it only applies while conn
// is still the player's connection, so a replaced connection closing late
// does not evict the player that replaced it.
func (reg *Registry) Disconnect(playerID string, conn Conn) {
	if playerID == "" {
		return
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	code, ok := reg.players[playerID]
	if !ok {
		return
	}
	room, ok := reg.rooms[code]
	if !ok {
		return
	}
	if current, ok := room.connOf(playerID); !ok || current != conn {
		return
	}
	delete(reg.players, playerID)

	reg.removeFromRoomLocked(code, playerID)
}

func (reg *Registry) removeFromRoomLocked(code, playerID string) {
	room, ok := reg.rooms[code]
	if !ok {
		return
	}

	if room.removePlayer(playerID) {
		delete(reg.rooms, code)
		reg.opts.Logger.Info().Str("room", code).Int("rooms", len(reg.rooms)).Msg("room removed")
	}
}

func (reg *Registry) Stats() Stats {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	stats := Stats{Rooms: len(reg.rooms)}
	for _, room := range reg.rooms {
		stats.TotalPlayers += room.playerCount()
	}
	return stats
}

// Run reaps idle rooms until ctx is done.
func (reg *Registry) Run(ctx context.Context) {
	if reg.opts.RoomTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(reg.opts.RoomTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.reap(reg.opts.Clock.Now())
		}
	}
}

// reap removes rooms that have been empty for longer than RoomTimeout.
func (reg *Registry) reap(now time.Time) int {
	cutoff := now.Add(-reg.opts.RoomTimeout)

	reg.mu.Lock()
	defer reg.mu.Unlock()

	reaped := 0
	for code, room := range reg.rooms {
		if room.closeIfIdle(cutoff) {
			delete(reg.rooms, code)
			reaped++
			reg.opts.Logger.Info().Str("room", code).Msg("reaped idle room")
		}
	}
	return reaped
}
