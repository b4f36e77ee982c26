package pool

import "errors"

var (
	ErrIllegalTransition = errors.New("illegal instance state transition")
	ErrInvalidApp        = errors.New("invalid pool definition")
	ErrSharedPort        = errors.New("instances would share a port")
	ErrNoSlot            = errors.New("no such pool slot")
	ErrNoPool            = errors.New("no such pool")
)
