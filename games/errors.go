package games

import "errors"

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomFull       = errors.New("room full")
	ErrGameInProgress = errors.New("game in progress")
	ErrUnauthorized   = errors.New("invalid host key")
	ErrInvalidGame    = errors.New("invalid game settings")
	ErrNoGame         = errors.New("no game in progress")
)
