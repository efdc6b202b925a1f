package cnst

import "errors"

var (
	// ErrInvalidSession is returned when a session is missing room, participant or language
	ErrInvalidSession = errors.New("invalid session")
	// ErrSessionClosed is returned when a manager is used after Close
	ErrSessionClosed = errors.New("session closed")
	// ErrMalformedFrame is returned when an inbound frame is not a JSON object
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrNotOpen is returned when a frame is written to a transport that is not open
	ErrNotOpen = errors.New("transport not open")
	// ErrSendBufferFull is returned when the transport send queue is saturated
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrReconnectExhausted is reported once when the reconnect attempts run out
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrNoDialer is returned by Connect when the manager has no transport dialer
	ErrNoDialer = errors.New("no transport dialer configured")
)

var (
	// ErrUnsupportedStoreType is returned for an unknown history store type
	ErrUnsupportedStoreType = errors.New("unsupported history store type")
	// ErrInvalidDatabaseType is returned for an unknown database dialect
	ErrInvalidDatabaseType = errors.New("invalid database type")
)
