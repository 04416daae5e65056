package games

import (
	"crypto/subtle"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Conn is a player's outbound message channel. Send must not block; it
// reports false when the connection cannot currently accept the message.
type Conn interface {
	Send(data []byte) bool
}

// Player holds the data we store server-side
type Player struct {
	ID     string
	Name   string
	Score  int
	IsHost bool // claimed by the client at join time; grants nothing

	conn      Conn
	completed map[int]bool // question indexes already scored this game
}

// GameSettings are supplied by the host on start.
type GameSettings struct {
	TotalQuestions  int
	Sequence        []int
	TimePerQuestion time.Duration // <= 0 disables auto-advance
}

// Room is one game session. All fields below mu are guarded by it.
type Room struct {
	code    string
	hostKey string

	clock         Clock
	log           zerolog.Logger
	maxPlayers    int
	allowLateJoin bool
	dedupe        bool

	mu sync.Mutex

	players map[string]*Player
	order   []string // join order, for stable player lists

	phase             Phase
	gameID            string
	questionIndex     int
	totalQuestions    int
	sequence          []int
	timePerQuestion   time.Duration
	countdownDuration time.Duration
	recapDuration     time.Duration
	countdownStartAt  time.Time
	questionStartAt   time.Time
	createdAt         time.Time
	emptySince        time.Time
	closed            bool
}

func newRoom(code, hostKey string, opts Options) *Room {
	now := opts.Clock.Now()
	return &Room{
		code:              code,
		hostKey:           hostKey,
		clock:             opts.Clock,
		log:               opts.Logger.With().Str("room", code).Logger(),
		maxPlayers:        opts.MaxPlayers,
		allowLateJoin:     opts.AllowLateJoin,
		dedupe:            opts.DedupeCompletions,
		players:           make(map[string]*Player),
		phase:             PhaseLobby,
		totalQuestions:    opts.TotalQuestions,
		sequence:          []int{},
		timePerQuestion:   opts.TimePerQuestion,
		countdownDuration: opts.CountdownDuration,
		recapDuration:     opts.RecapDuration,
		createdAt:         now,
		emptySince:        now,
	}
}

func (r *Room) Code() string {
	return r.code
}

// State returns a full snapshot of the room.
func (r *Room) State() StateMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stateLocked()
}

func (r *Room) authorized(hostKey string) bool {
	return subtle.ConstantTimeCompare([]byte(hostKey), []byte(r.hostKey)) == 1
}

func (r *Room) addPlayer(id, name string, conn Conn, isHost bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomNotFound
	}

	if p, ok := r.players[id]; ok {
		// A rejoin replaces the entry but keeps its place in the list.
		p.Name = name
		p.IsHost = isHost
		p.Score = 0
		p.completed = nil
		p.conn = conn
	} else {
		if len(r.players) >= r.maxPlayers {
			return ErrRoomFull
		}
		if !r.allowLateJoin && r.phase.running() {
			return ErrGameInProgress
		}

		r.players[id] = &Player{
			ID:     id,
			Name:   name,
			IsHost: isHost,
			conn:   conn,
		}
		r.order = append(r.order, id)
	}
	r.emptySince = time.Time{}

	r.log.Info().Str("player", id).Int("players", len(r.players)).Msg("player joined")

	r.broadcastPlayersLocked()

	return nil
}

// removePlayer reports whether the room is now empty, in which case it is
// closed and every pending task for it becomes a no-op.
func (r *Room) removePlayer(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.players[id]; ok {
		delete(r.players, id)
		r.order = slices.DeleteFunc(r.order, func(s string) bool {
			return s == id
		})
		r.log.Info().Str("player", id).Int("players", len(r.players)).Msg("player left")
	}

	if len(r.players) == 0 {
		r.closed = true
		return true
	}

	r.broadcastPlayersLocked()

	return false
}

func (r *Room) connOf(id string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.players[id]
	if !ok {
		return nil, false
	}
	return p.conn, true
}

func (r *Room) playerIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.order)
}

func (r *Room) playerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.players)
}

// closeIfIdle closes a room that has had no players since before cutoff.
func (r *Room) closeIfIdle(cutoff time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.players) > 0 || r.emptySince.IsZero() || !r.emptySince.Before(cutoff) {
		return false
	}
	r.closed = true
	return true
}

// Start begins a new game run. It may be called in any phase; membership is
// kept and every score is reset.
func (r *Room) Start(hostKey string, settings GameSettings) (string, error) {
	if !r.authorized(hostKey) {
		return "", ErrUnauthorized
	}
	if settings.TotalQuestions < 1 || len(settings.Sequence) != settings.TotalQuestions {
		return "", fmt.Errorf("%w: %d questions with a sequence of length %d",
			ErrInvalidGame, settings.TotalQuestions, len(settings.Sequence))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return "", ErrRoomNotFound
	}

	r.gameID = uuid.NewString()
	r.totalQuestions = settings.TotalQuestions
	r.sequence = slices.Clone(settings.Sequence)
	r.timePerQuestion = settings.TimePerQuestion
	r.questionIndex = 0

	for _, p := range r.players {
		p.Score = 0
		p.completed = nil
	}

	r.log.Info().
		Str("game", r.gameID).
		Int("questions", r.totalQuestions).
		Dur("per_question", r.timePerQuestion).
		Msg("game started")

	r.enterCountdownLocked()

	return r.gameID, nil
}

// Next advances past the current question on behalf of the host.
func (r *Room) Next(hostKey string) error {
	if !r.authorized(hostKey) {
		return ErrUnauthorized
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRoomNotFound
	}
	if !r.phase.running() {
		return ErrNoGame
	}

	r.advanceLocked()

	return nil
}

// Complete credits playerID with one point for questionIndex. It is ignored
// unless the room is in play on exactly that question.
func (r *Room) Complete(playerID string, questionIndex int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.phase != PhasePlay || r.questionIndex != questionIndex {
		return false
	}

	p, ok := r.players[playerID]
	if !ok {
		return false
	}

	if r.dedupe {
		if p.completed[questionIndex] {
			return false
		}
		if p.completed == nil {
			p.completed = make(map[int]bool)
		}
		p.completed[questionIndex] = true
	}

	p.Score++

	r.broadcastStateLocked()

	return true
}

func (r *Room) enterCountdownLocked() {
	r.phase = PhaseCountdown
	r.countdownStartAt = r.clock.Now()
	r.questionStartAt = time.Time{}

	r.broadcastStateLocked()

	r.scheduleLocked(r.countdownDuration, r.enterPlayLocked)
}

func (r *Room) enterPlayLocked() {
	r.phase = PhasePlay
	r.questionStartAt = r.clock.Now()

	r.broadcastStateLocked()

	if r.timePerQuestion > 0 {
		r.scheduleLocked(r.timePerQuestion, r.advanceLocked)
	}
}

func (r *Room) advanceLocked() {
	r.countdownStartAt = time.Time{}
	r.questionStartAt = time.Time{}

	if r.questionIndex+1 >= r.totalQuestions {
		r.phase = PhaseResults
		r.log.Info().Str("game", r.gameID).Msg("game finished")
		r.broadcastStateLocked()
		return
	}

	r.questionIndex++
	r.phase = PhaseRecap

	r.broadcastStateLocked()

	r.scheduleLocked(r.recapDuration, r.enterCountdownLocked)
}

// scheduleLocked runs fn after d, but only if the room is still open and
// still on the same game, phase and question as when it was scheduled.
func (r *Room) scheduleLocked(d time.Duration, fn func()) {
	gameID, phase, index := r.gameID, r.phase, r.questionIndex

	r.clock.AfterFunc(d, func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		if r.closed || r.gameID != gameID || r.phase != phase || r.questionIndex != index {
			r.log.Debug().
				Str("game", gameID).
				Str("phase", phase.String()).
				Int("question", index).
				Msg("discarded stale task")
			return
		}

		fn()
	})
}
