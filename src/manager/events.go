package manager

import (
	"github.com/orchestra-mcp/chatlink/src/realtime"
	"github.com/orchestra-mcp/chatlink/src/types"
)

// Events posted to the manager loop. Callbacks from channels, stream
// requests and timers only ever construct one of these.
type (
	startEvent struct{}
	resetEvent struct{}

	sendEvent struct {
		text string
	}

	openEvent struct {
		handle realtime.Handle
	}

	frameEvent struct {
		handle realtime.Handle
		frag   types.Fragment
	}

	errorEvent struct {
		handle realtime.Handle
		err    error
	}

	closeEvent struct {
		handle realtime.Handle
		code   int
		clean  bool
	}

	timerEvent struct {
		name string
		id   uint64
	}

	streamFragmentEvent struct {
		id   string
		frag types.Fragment
	}

	streamDoneEvent struct {
		id  string
		err error
	}
)

// turnSource records which channel is answering the current turn.
type turnSource int

const (
	turnNone turnSource = iota
	turnRealtime
	turnStream
)
