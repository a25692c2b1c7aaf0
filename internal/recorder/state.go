package recorder

import "fmt"

// State is the recorder lifecycle. The daemon records at most one channel at
// a time; the state lives on the single active capture.
type State int

const (
	// StateIdle means no capture holds the recorder slot.
	StateIdle State = iota
	// StateStarting covers stream resolution up to the first playlist.
	StateStarting
	// StateRecording is steady-state live-edge capture.
	StateRecording
	// StateStoppingGraceful keeps capturing until the current track ends
	// or the graceful wait ceiling expires.
	StateStoppingGraceful
	// StateStoppingForced finalizes whatever is buffered immediately.
	StateStoppingForced
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateStoppingGraceful:
		return "stopping"
	case StateStoppingForced:
		return "finalizing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Event is an input to the recorder state machine.
type Event int

const (
	// EventStartRequested claims the recorder slot.
	EventStartRequested Event = iota
	// EventStreamReady fires once the stream is resolved and seeded.
	EventStreamReady
	// EventStopGraceful asks to stop at the next track boundary.
	EventStopGraceful
	// EventStopForced asks to stop now.
	EventStopForced
	// EventTrackBoundary fires when the current track changes.
	EventTrackBoundary
	// EventDeadline fires when the graceful wait ceiling expires.
	EventDeadline
	// EventStreamLost fires when playlist fetches fail persistently.
	EventStreamLost
	// EventFinalized fires after buffered audio is flushed and the
	// capture releases the slot.
	EventFinalized
)

func (e Event) String() string {
	switch e {
	case EventStartRequested:
		return "start_requested"
	case EventStreamReady:
		return "stream_ready"
	case EventStopGraceful:
		return "stop_graceful"
	case EventStopForced:
		return "stop_forced"
	case EventTrackBoundary:
		return "track_boundary"
	case EventDeadline:
		return "deadline"
	case EventStreamLost:
		return "stream_lost"
	case EventFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Next returns the state following ev. Transition logic is pure so it can be
// reasoned about and tested apart from the timers and goroutines driving it.
func Next(s State, ev Event) (State, error) {
	switch s {
	case StateIdle:
		if ev == EventStartRequested {
			return StateStarting, nil
		}

	case StateStarting:
		switch ev {
		case EventStreamReady:
			return StateRecording, nil
		case EventStopGraceful, EventStopForced, EventStreamLost:
			// Nothing is buffered yet, stop is immediate either way.
			return StateStoppingForced, nil
		case EventFinalized:
			// Stream resolution failed before capture began.
			return StateIdle, nil
		}

	case StateRecording:
		switch ev {
		case EventTrackBoundary:
			return StateRecording, nil
		case EventStopGraceful:
			return StateStoppingGraceful, nil
		case EventStopForced, EventStreamLost:
			return StateStoppingForced, nil
		}

	case StateStoppingGraceful:
		switch ev {
		case EventTrackBoundary, EventDeadline, EventStopForced, EventStreamLost:
			return StateStoppingForced, nil
		case EventStopGraceful:
			return StateStoppingGraceful, nil
		}

	case StateStoppingForced:
		switch ev {
		case EventFinalized:
			return StateIdle, nil
		case EventStopGraceful, EventStopForced, EventStreamLost:
			return StateStoppingForced, nil
		}
	}
	return s, fmt.Errorf("recorder: illegal transition %s on %s", ev, s)
}
