package types

// Close codes used by the realtime channel.
const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a chat session transcript.
type Message struct {
	Role       Role   `json:"role"`
	Text       string `json:"text"`
	InProgress bool   `json:"-"`
}

// FragmentKind tags the variant carried by a Fragment.
type FragmentKind int

const (
	FragmentText FragmentKind = iota
	FragmentCitation
	FragmentSource
	FragmentTyping
	FragmentFinal
	FragmentError
)

// Appendable reports whether fragments of this kind extend the message text.
func (k FragmentKind) Appendable() bool {
	return k == FragmentText || k == FragmentCitation || k == FragmentSource
}

func (k FragmentKind) String() string {
	switch k {
	case FragmentText:
		return "text"
	case FragmentCitation:
		return "citation"
	case FragmentSource:
		return "source"
	case FragmentTyping:
		return "typing"
	case FragmentFinal:
		return "final"
	case FragmentError:
		return "error"
	default:
		return "unknown"
	}
}

// Fragment is one decoded unit of an assistant turn, from either channel.
type Fragment struct {
	Kind    FragmentKind
	Payload string
}

// ConnectionState is the state of a connection manager.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFallbackActive
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFallbackActive:
		return "fallback"
	default:
		return "unknown"
	}
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() ([]byte, error)
	Close(code int, reason string) error
}
