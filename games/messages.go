package games

// Phase is the stage of a room's game cycle.
type Phase string

const (
	PhaseLobby     Phase = "lobby"
	PhaseCountdown Phase = "countdown"
	PhasePlay      Phase = "play"
	PhaseRecap     Phase = "recap"
	PhaseResults   Phase = "results"
)

func (p Phase) String() string {
	return string(p)
}

// running reports whether a game is between start and results.
func (p Phase) running() bool {
	return p == PhaseCountdown || p == PhasePlay || p == PhaseRecap
}

// ClientMessage is every inbound record; which fields matter depends on Type.
type ClientMessage struct {
	Type            string `json:"type"`                      // "create", "join", "start", "complete", "next", "ping"
	ClientID        string `json:"clientId,omitempty"`        // create / join
	Code            string `json:"code,omitempty"`            // join / start / complete / next
	Name            string `json:"name,omitempty"`            // join
	IsHost          bool   `json:"isHost,omitempty"`          // join
	HostKey         string `json:"hostKey,omitempty"`         // start / next
	TotalQuestions  int    `json:"totalQuestions,omitempty"`  // start
	Sequence        []int  `json:"sequence,omitempty"`        // start
	TimePerQuestion int64  `json:"timePerQuestion,omitempty"` // start, milliseconds
	PlayerID        string `json:"playerId,omitempty"`        // complete
	QuestionIndex   *int   `json:"questionIndex,omitempty"`   // complete
}

type CreatedMessage struct {
	Type    string `json:"type"` // "created"
	Code    string `json:"code"`
	HostKey string `json:"hostKey"`
}

type JoinedMessage struct {
	Type     string `json:"type"` // "joined"
	PlayerID string `json:"playerId"`
	Code     string `json:"code"`
}

type StartedMessage struct {
	Type   string `json:"type"` // "started"
	GameID string `json:"gameId"`
}

type PongMessage struct {
	Type       string `json:"type"` // "pong"
	ServerTime int64  `json:"serverTime"`
}

// ErrorMessage is only ever sent to the client whose request failed.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

type PlayerView struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Score  int    `json:"score"`
	IsHost bool   `json:"isHost"`
}

// PlayersMessage is the lightweight snapshot sent on join and leave.
type PlayersMessage struct {
	Type    string       `json:"type"` // "players"
	Players []PlayerView `json:"players"`
}

// StateMessage is the full room snapshot. Durations and timestamps are in
// milliseconds; unset timestamps and the gameId before a first start are null.
type StateMessage struct {
	Type              string       `json:"type"` // "state"
	ServerTime        int64        `json:"serverTime"`
	Phase             Phase        `json:"phase"`
	GameID            *string      `json:"gameId"`
	QuestionIndex     int          `json:"questionIndex"`
	TotalQuestions    int          `json:"totalQuestions"`
	Sequence          []int        `json:"sequence"`
	TimePerQuestion   int64        `json:"timePerQuestion"`
	CountdownStartAt  *int64       `json:"countdownStartAt"`
	QuestionStartAt   *int64       `json:"questionStartAt"`
	CountdownDuration int64        `json:"countdownDuration"`
	RecapDuration     int64        `json:"recapDuration"`
	Players           []PlayerView `json:"players"`
}
