package fault

import (
	"errors"
	"fmt"
	"runtime/debug"
)

// Code is a stable error code surfaced to operators.
type Code int

const (
	CodeUnknown               Code = 0
	CodeSequencerBusy         Code = 100
	CodeDriverFault           Code = 200
	CodePhaseOrder            Code = 201
	CodeProtocolDesync        Code = 300
	CodeBroadcasterNotStarted Code = 400
	CodeConnectionError       Code = 401
	CodeImageReceiveError     Code = 402
	CodeConvergenceFailure    Code = 500
	CodeBridgeStopTimeout     Code = 600

	// loop fault codes, one per background loop
	CodeLiveViewError     Code = 1000
	CodeAutoExposureError Code = 2000
	CodeStreamingError    Code = 3000
)

func (c Code) String() string {
	switch c {
	case CodeSequencerBusy:
		return "SEQUENCER_BUSY"
	case CodeDriverFault:
		return "DRIVER_FAULT"
	case CodePhaseOrder:
		return "PHASE_ORDER"
	case CodeProtocolDesync:
		return "PROTOCOL_DESYNC"
	case CodeBroadcasterNotStarted:
		return "BROADCASTER_NOT_STARTED"
	case CodeConnectionError:
		return "CONNECTION_ERROR"
	case CodeImageReceiveError:
		return "IMAGE_RECEIVE_ERROR"
	case CodeConvergenceFailure:
		return "CONVERGENCE_FAILURE"
	case CodeBridgeStopTimeout:
		return "BRIDGE_STOP_TIMEOUT"
	case CodeLiveViewError:
		return "LIVE_VIEW_ERROR"
	case CodeAutoExposureError:
		return "AUTO_EXPOSURE_ERROR"
	case CodeStreamingError:
		return "STREAMING_ERROR"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrSequencerBusy         = errors.New("sequencer busy")
	ErrPhaseOrder            = errors.New("phase started out of order")
	ErrProtocolDesync        = errors.New("live view protocol desynchronized")
	ErrBroadcasterNotStarted = errors.New("live view broadcaster not started")
	ErrConnection            = errors.New("live view connection error")
	ErrImageReceive          = errors.New("no live view image received")
	ErrConvergence           = errors.New("background level did not converge")
	ErrBridgeStopTimeout     = errors.New("streaming producer did not stop in time")
)

// DriverFault wraps an error raised by a camera driver call. The original
// error is preserved and reachable through errors.Is/As.
type DriverFault struct {
	Op  string
	Err error
}

func (d *DriverFault) Error() string {
	return fmt.Sprintf("driver fault during %s: %v", d.Op, d.Err)
}

func (d *DriverFault) Unwrap() error {
	return d.Err
}

// Fault is a reportable failure: a stable code, a human readable report and
// the traceback of the goroutine that raised it.
type Fault struct {
	Code      Code
	Report    string
	Traceback string
	Err       error
}

// New captures the current stack alongside the cause.
func New(code Code, report string, err error) *Fault {
	return &Fault{
		Code:      code,
		Report:    report,
		Traceback: string(debug.Stack()),
		Err:       err,
	}
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s (%d): %s", f.Code, int(f.Code), f.Report)
	}
	return fmt.Sprintf("%s (%d): %s: %v", f.Code, int(f.Code), f.Report, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// CodeOf classifies an error into its stable code.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	var d *DriverFault
	switch {
	case err == nil:
		return CodeUnknown
	case errors.Is(err, ErrSequencerBusy):
		return CodeSequencerBusy
	case errors.Is(err, ErrPhaseOrder):
		return CodePhaseOrder
	case errors.As(err, &d):
		return CodeDriverFault
	case errors.Is(err, ErrProtocolDesync):
		return CodeProtocolDesync
	case errors.Is(err, ErrBroadcasterNotStarted):
		return CodeBroadcasterNotStarted
	case errors.Is(err, ErrConnection):
		return CodeConnectionError
	case errors.Is(err, ErrImageReceive):
		return CodeImageReceiveError
	case errors.Is(err, ErrConvergence):
		return CodeConvergenceFailure
	case errors.Is(err, ErrBridgeStopTimeout):
		return CodeBridgeStopTimeout
	}
	return CodeUnknown
}
