package games

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RouterOptions control inbound message handling.
type RouterOptions struct {
	// MessageRate is the sustained number of messages per second accepted
	// from one connection. Zero disables limiting.
	MessageRate  float64
	MessageBurst int
}

// Router decodes client messages and dispatches them to the registry.
type Router struct {
	reg   *Registry
	clock Clock
	log   zerolog.Logger
	opts  RouterOptions
}

func NewRouter(reg *Registry, opts RouterOptions) *Router {
	return &Router{
		reg:   reg,
		clock: reg.opts.Clock,
		log:   reg.opts.Logger,
		opts:  opts,
	}
}

// Session is the router's per-connection state. It is not safe for
// concurrent use; each connection reads its messages on one goroutine.
type Session struct {
	conn     Conn
	playerID string
	limiter  *rate.Limiter
}

func (rt *Router) NewSession(conn Conn) *Session {
	s := &Session{conn: conn}
	if rt.opts.MessageRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(rt.opts.MessageRate), max(rt.opts.MessageBurst, 1))
	}
	return s
}

// PlayerID is the id this connection last created or joined with.
func (s *Session) PlayerID() string {
	return s.playerID
}

// Close removes the session's player when its connection goes away.
func (rt *Router) Close(s *Session) {
	rt.reg.Disconnect(s.playerID, s.conn)
}

// Handle processes one raw inbound message. Malformed messages are logged
// and dropped; the connection stays open.
func (rt *Router) Handle(s *Session, data []byte) {
	if s.limiter != nil && !s.limiter.Allow() {
		rt.log.Debug().Str("player", s.playerID).Msg("rate limited message dropped")
		return
	}

	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		rt.log.Warn().Err(err).Msg("malformed message")
		return
	}

	switch msg.Type {
	case "create":
		rt.handleCreate(s, msg)
	case "join":
		rt.handleJoin(s, msg)
	case "start":
		rt.handleStart(s, msg)
	case "complete":
		rt.handleComplete(msg)
	case "next":
		rt.handleNext(msg)
	case "ping":
		rt.reply(s, PongMessage{
			Type:       "pong",
			ServerTime: rt.clock.Now().UnixMilli(),
		})
	default:
		rt.log.Warn().Str("type", msg.Type).Msg("unknown message type")
	}
}

func (rt *Router) reply(s *Session, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		rt.log.Error().Err(err).Msg("encoding reply")
		return
	}
	if !s.conn.Send(data) {
		rt.log.Debug().Str("player", s.playerID).Msg("reply dropped")
	}
}

func (rt *Router) room(code string) (*Room, bool) {
	return rt.reg.Room(normalizeCode(code))
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (rt *Router) handleCreate(s *Session, msg ClientMessage) {
	code, hostKey, err := rt.reg.CreateRoom()
	if err != nil {
		rt.log.Error().Err(err).Msg("creating room")
		return
	}

	if msg.ClientID != "" {
		s.playerID = msg.ClientID
	}

	rt.reply(s, CreatedMessage{
		Type:    "created",
		Code:    code,
		HostKey: hostKey,
	})
}

func (rt *Router) handleJoin(s *Session, msg ClientMessage) {
	if msg.Code == "" || msg.ClientID == "" {
		rt.log.Warn().Msg("join without code or clientId")
		return
	}

	code := normalizeCode(msg.Code)

	err := rt.reg.JoinRoom(code, msg.ClientID, msg.Name, s.conn, msg.IsHost)
	if err != nil {
		rt.log.Info().Err(err).Str("room", code).Str("player", msg.ClientID).Msg("join refused")
		rt.reply(s, ErrorMessage{
			Type:    "error",
			Message: joinErrorText(err),
		})
		return
	}

	if s.playerID != "" && s.playerID != msg.ClientID {
		rt.reg.Disconnect(s.playerID, s.conn)
	}
	s.playerID = msg.ClientID

	rt.reply(s, JoinedMessage{
		Type:     "joined",
		PlayerID: msg.ClientID,
		Code:     code,
	})

	if room, ok := rt.reg.Room(code); ok {
		rt.reply(s, room.State())
	}
}

func joinErrorText(err error) string {
	switch {
	case errors.Is(err, ErrRoomNotFound):
		return "Room not found."
	case errors.Is(err, ErrRoomFull):
		return "Room is full."
	case errors.Is(err, ErrGameInProgress):
		return "A game is already in progress."
	default:
		return "Unable to join room."
	}
}

func (rt *Router) handleStart(s *Session, msg ClientMessage) {
	room, ok := rt.room(msg.Code)
	if !ok {
		return
	}

	gameID, err := room.Start(msg.HostKey, GameSettings{
		TotalQuestions:  msg.TotalQuestions,
		Sequence:        msg.Sequence,
		TimePerQuestion: time.Duration(msg.TimePerQuestion) * time.Millisecond,
	})
	switch {
	case errors.Is(err, ErrUnauthorized):
		rt.log.Debug().Str("room", room.Code()).Msg("unauthorized start dropped")
		return
	case err != nil:
		rt.log.Warn().Err(err).Str("room", room.Code()).Msg("start rejected")
		return
	}

	rt.reply(s, StartedMessage{
		Type:   "started",
		GameID: gameID,
	})
}

func (rt *Router) handleComplete(msg ClientMessage) {
	if msg.PlayerID == "" || msg.QuestionIndex == nil {
		rt.log.Warn().Msg("complete without playerId or questionIndex")
		return
	}

	room, ok := rt.room(msg.Code)
	if !ok {
		return
	}

	room.Complete(msg.PlayerID, *msg.QuestionIndex)
}

func (rt *Router) handleNext(msg ClientMessage) {
	room, ok := rt.room(msg.Code)
	if !ok {
		return
	}

	if err := room.Next(msg.HostKey); err != nil {
		rt.log.Debug().Err(err).Str("room", room.Code()).Msg("next dropped")
	}
}
