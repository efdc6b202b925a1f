package cnst

// Tracer names used across the client
const (
	// TraceSession is the tracer name for the connection manager
	TraceSession = "polyroom/session"
	// TraceRoomAPI is the tracer name for the roster HTTP client
	TraceRoomAPI = "polyroom/roomapi"
)

// Span names
const (
	SpanDial        = "room.ws.dial"
	SpanRosterFetch = "room.users.fetch"
)
