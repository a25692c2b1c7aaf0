package recorder

import "testing"

func TestNextTransitions(t *testing.T) {
	cases := []struct {
		name  string
		from  State
		ev    Event
		want  State
		legal bool
	}{
		{"start claims slot", StateIdle, EventStartRequested, StateStarting, true},
		{"stream ready begins capture", StateStarting, EventStreamReady, StateRecording, true},
		{"stop during start is immediate", StateStarting, EventStopGraceful, StateStoppingForced, true},
		{"forced stop during start", StateStarting, EventStopForced, StateStoppingForced, true},
		{"failed start finalizes to idle", StateStarting, EventFinalized, StateIdle, true},
		{"boundary keeps recording", StateRecording, EventTrackBoundary, StateRecording, true},
		{"graceful stop waits", StateRecording, EventStopGraceful, StateStoppingGraceful, true},
		{"forced stop finalizes", StateRecording, EventStopForced, StateStoppingForced, true},
		{"stream loss finalizes", StateRecording, EventStreamLost, StateStoppingForced, true},
		{"boundary ends graceful wait", StateStoppingGraceful, EventTrackBoundary, StateStoppingForced, true},
		{"ceiling ends graceful wait", StateStoppingGraceful, EventDeadline, StateStoppingForced, true},
		{"forced stop overrides graceful", StateStoppingGraceful, EventStopForced, StateStoppingForced, true},
		{"repeated graceful stop is a no-op", StateStoppingGraceful, EventStopGraceful, StateStoppingGraceful, true},
		{"finalize releases slot", StateStoppingForced, EventFinalized, StateIdle, true},
		{"stop while finalizing is a no-op", StateStoppingForced, EventStopForced, StateStoppingForced, true},

		{"cannot start twice", StateStarting, EventStartRequested, StateStarting, false},
		{"cannot start while recording", StateRecording, EventStartRequested, StateRecording, false},
		{"idle ignores boundaries", StateIdle, EventTrackBoundary, StateIdle, false},
		{"recording cannot finalize directly", StateRecording, EventFinalized, StateRecording, false},
		{"deadline only applies while draining", StateRecording, EventDeadline, StateRecording, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Next(tc.from, tc.ev)
			if tc.legal && err != nil {
				t.Fatalf("Next(%s, %s) unexpected error: %v", tc.from, tc.ev, err)
			}
			if !tc.legal && err == nil {
				t.Fatalf("Next(%s, %s) expected error, got %s", tc.from, tc.ev, got)
			}
			if got != tc.want {
				t.Errorf("Next(%s, %s) = %s, want %s", tc.from, tc.ev, got, tc.want)
			}
		})
	}
}
