package games

import (
	"encoding/json"
)

func (r *Room) playersLocked() []PlayerView {
	players := make([]PlayerView, 0, len(r.order))
	for _, id := range r.order {
		p := r.players[id]
		players = append(players, PlayerView{
			ID:     p.ID,
			Name:   p.Name,
			Score:  p.Score,
			IsHost: p.IsHost,
		})
	}
	return players
}

func (r *Room) stateLocked() StateMessage {
	var gameID *string
	if r.gameID != "" {
		id := r.gameID
		gameID = &id
	}

	return StateMessage{
		Type:              "state",
		ServerTime:        r.clock.Now().UnixMilli(),
		Phase:             r.phase,
		GameID:            gameID,
		QuestionIndex:     r.questionIndex,
		TotalQuestions:    r.totalQuestions,
		Sequence:          append([]int{}, r.sequence...),
		TimePerQuestion:   r.timePerQuestion.Milliseconds(),
		CountdownStartAt:  millis(r.countdownStartAt),
		QuestionStartAt:   millis(r.questionStartAt),
		CountdownDuration: r.countdownDuration.Milliseconds(),
		RecapDuration:     r.recapDuration.Milliseconds(),
		Players:           r.playersLocked(),
	}
}

func (r *Room) broadcastStateLocked() {
	r.broadcastLocked(r.stateLocked())
}

func (r *Room) broadcastPlayersLocked() {
	r.broadcastLocked(PlayersMessage{
		Type:    "players",
		Players: r.playersLocked(),
	})
}

// broadcastLocked encodes msg once and offers it to every player. Sends are
// non-blocking; a connection that refuses the message simply misses it.
func (r *Room) broadcastLocked(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error().Err(err).Msg("encoding snapshot")
		return
	}

	for _, id := range r.order {
		p := r.players[id]
		if p.conn == nil || !p.conn.Send(data) {
			r.log.Debug().Str("player", id).Msg("skipped unwritable connection")
		}
	}
}
