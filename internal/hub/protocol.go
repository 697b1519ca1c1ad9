package hub

// OutputMessage carries one chunk of session output to clients.
type OutputMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Stream    string `json:"stream"`
	Payload   string `json:"payload"`
	Ts        int64  `json:"ts"`
}

// ErrorEventMessage carries a detected error block.
type ErrorEventMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Stream    string `json:"stream"`
	Rule      string `json:"rule"`
	Key       string `json:"key"`
	Payload   string `json:"payload"`
	Ts        int64  `json:"ts"`
}

// SessionEndedMessage tells clients a session terminated.
type SessionEndedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Ts        int64  `json:"ts"`
}

// SessionInfo describes one live session in a sessions listing.
type SessionInfo struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Name string `json:"name"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// SessionsMessage is the session listing pushed on connect and on change.
type SessionsMessage struct {
	Type string        `json:"type"`
	List []SessionInfo `json:"list"`
}

// ClientMessage is anything a client sends: input, resize, or subscribe.
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
}

// ErrorMessage reports a protocol-level problem back to one client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// hubBroadcast pairs an encoded frame with the session it concerns so
// per-client subscriptions can filter it.
type hubBroadcast struct {
	data      []byte
	sessionID string
}
