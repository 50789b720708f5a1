package fault

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCodeOf(t *testing.T) {
	hw := errors.New("usb reset")
	cases := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, CodeUnknown},
		{"busy", fmt.Errorf("take image: %w", ErrSequencerBusy), CodeSequencerBusy},
		{"driver", &DriverFault{Op: "EndReadout", Err: hw}, CodeDriverFault},
		{"desync", ErrProtocolDesync, CodeProtocolDesync},
		{"not started", ErrBroadcasterNotStarted, CodeBroadcasterNotStarted},
		{"receive", ErrImageReceive, CodeImageReceiveError},
		{"convergence", ErrConvergence, CodeConvergenceFailure},
		{"bridge", ErrBridgeStopTimeout, CodeBridgeStopTimeout},
		{"fault", New(CodeLiveViewError, "Error in live view loop.", hw), CodeLiveViewError},
		{"other", hw, CodeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CodeOf(tc.err); got != tc.want {
				t.Errorf("CodeOf() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDriverFaultKeepsCause(t *testing.T) {
	hw := errors.New("shutter jammed")
	var err error = &DriverFault{Op: "StartShutterOpen", Err: hw}
	if !errors.Is(err, hw) {
		t.Fatal("expected driver fault to unwrap to the hardware error")
	}
}

func TestFaultCarriesTraceback(t *testing.T) {
	f := New(CodeAutoExposureError, "Error in auto exposure loop.", errors.New("boom"))
	if f.Traceback == "" {
		t.Fatal("expected a traceback")
	}
	if !strings.Contains(f.Error(), "AUTO_EXPOSURE_ERROR") {
		t.Errorf("unexpected message %q", f.Error())
	}
}
