package sequencer

import "time"

// State is the sequencer's view of the exposure in flight.
type State int

const (
	Idle State = iota
	TakeImageStarted
	ShutterOpening
	ShutterOpen
	Integrating
	Integrated
	ShutterClosing
	ShutterClosed
	ReadingOut
	ReadoutComplete
	TakeImageDone
)

var stateNames = [...]string{
	"Idle", "TakeImageStarted", "ShutterOpening", "ShutterOpen", "Integrating",
	"Integrated", "ShutterClosing", "ShutterClosed", "ReadingOut",
	"ReadoutComplete", "TakeImageDone",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// Phase is one Start/End pair of an exposure.
type Phase int

const (
	PhaseShutterOpen Phase = iota
	PhaseIntegrate
	PhaseShutterClose
	PhaseReadout
)

func (p Phase) String() string {
	switch p {
	case PhaseShutterOpen:
		return "ShutterOpen"
	case PhaseIntegrate:
		return "Integration"
	case PhaseShutterClose:
		return "ShutterClose"
	case PhaseReadout:
		return "Readout"
	}
	return "Unknown"
}

// shutter phases are skipped when the exposure does not use the shutter
func (p Phase) usesShutter() bool {
	return p == PhaseShutterOpen || p == PhaseShutterClose
}

type EventType string

const (
	EventStartTakeImage    EventType = "startTakeImage"
	EventStartShutterOpen  EventType = "startShutterOpen"
	EventEndShutterOpen    EventType = "endShutterOpen"
	EventStartIntegration  EventType = "startIntegration"
	EventEndIntegration    EventType = "endIntegration"
	EventStartShutterClose EventType = "startShutterClose"
	EventEndShutterClose   EventType = "endShutterClose"
	EventStartReadout      EventType = "startReadout"
	EventEndReadout        EventType = "endReadout"
	EventEndTakeImage      EventType = "endTakeImage"
)

// Image identifies the exposure an event belongs to. The sequencer does not
// interpret it.
type Image struct {
	Name       string
	Source     string
	Controller string
	Number     int
	Date       string

	AdditionalKeys   string
	AdditionalValues string
}

// Event is a phase transition, raised after the driver call that caused it
// returned successfully. Timestamps are zero until the phase that records
// them has run.
type Event struct {
	Type       EventType
	Time       time.Time
	ExpTime    time.Duration
	ImageIndex int
	NumImages  int
	Image      Image

	AcquisitionStart time.Time
	IntegrationEnd   time.Time
	ReadoutStart     time.Time
	ReadoutEnd       time.Time
}

type transition struct {
	from     State
	fromNoSh State
	to       State
	event    EventType
	driverOp string
}

// startTransitions and endTransitions describe the legal moves per phase.
// fromNoSh is the required state when the shutter is not in use.
var startTransitions = map[Phase]transition{
	PhaseShutterOpen:  {from: TakeImageStarted, to: ShutterOpening, event: EventStartShutterOpen, driverOp: "StartShutterOpen"},
	PhaseIntegrate:    {from: ShutterOpen, fromNoSh: TakeImageStarted, to: Integrating, event: EventStartIntegration, driverOp: "StartIntegration"},
	PhaseShutterClose: {from: Integrated, to: ShutterClosing, event: EventStartShutterClose, driverOp: "StartShutterClose"},
	PhaseReadout:      {from: ShutterClosed, fromNoSh: Integrated, to: ReadingOut, event: EventStartReadout, driverOp: "StartReadout"},
}

var endTransitions = map[Phase]transition{
	PhaseShutterOpen:  {from: ShutterOpening, to: ShutterOpen, event: EventEndShutterOpen, driverOp: "EndShutterOpen"},
	PhaseIntegrate:    {from: Integrating, fromNoSh: Integrating, to: Integrated, event: EventEndIntegration, driverOp: "EndIntegration"},
	PhaseShutterClose: {from: ShutterClosing, to: ShutterClosed, event: EventEndShutterClose, driverOp: "EndShutterClose"},
	PhaseReadout:      {from: ReadingOut, fromNoSh: ReadingOut, to: ReadoutComplete, event: EventEndReadout, driverOp: "EndReadout"},
}

func (t transition) required(shutter bool) State {
	if shutter {
		return t.from
	}
	return t.fromNoSh
}
