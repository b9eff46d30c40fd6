package chat

import "errors"

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrPersistFailed  = errors.New("message not persisted")
	ErrSessionClosed  = errors.New("session closed")
	ErrSendBufferFull = errors.New("send buffer full")
)
