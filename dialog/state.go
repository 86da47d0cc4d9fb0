package dialog

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// State of a dialog. Terminated is absorbing.
type State int

const (
	StateCalling State = iota
	StateTrying
	StateEarly
	StateWaitAck
	StateConfirmed
	StateUpdated
	StateNotify
	StateInfo
	StateOptions
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCalling:
		return "Calling"
	case StateTrying:
		return "Trying"
	case StateEarly:
		return "Early"
	case StateWaitAck:
		return "WaitAck"
	case StateConfirmed:
		return "Confirmed"
	case StateUpdated:
		return "Updated"
	case StateNotify:
		return "Notify"
	case StateInfo:
		return "Info"
	case StateOptions:
		return "Options"
	case StateTerminated:
		return "Terminated"
	}
	return "Unknown"
}

// TerminatedReason tells which side ended the dialog and how.
type TerminatedReason int

const (
	UacBusy TerminatedReason = iota
	UasBusy
	UacCancel
	UasCancel
	UacBye
	UasBye
	UacOther
	UasOther
	ReasonTimeout
	ReasonError
)

func (r TerminatedReason) String() string {
	switch r {
	case UacBusy:
		return "UacBusy"
	case UasBusy:
		return "UasBusy"
	case UacCancel:
		return "UacCancel"
	case UasCancel:
		return "UasCancel"
	case UacBye:
		return "UacBye"
	case UasBye:
		return "UasBye"
	case UacOther:
		return "UacOther"
	case UasOther:
		return "UasOther"
	case ReasonTimeout:
		return "Timeout"
	case ReasonError:
		return "Error"
	}
	return "Unknown"
}

// Terminated carries the reason details on a Terminated state event.
type Terminated struct {
	Reason TerminatedReason
	// Code is the status code for UacOther/UasOther and busy reasons.
	Code int
	// Err is set for ReasonError.
	Err string
}

// StateEvent is one entry on the dialog state bus.
type StateEvent struct {
	ID    DialogID
	State State
	// Response is set on Early events of client dialogs, the provisional
	// forming the early dialog. Server dialog Early events carry none.
	Response *sip.Response
	// Request is set on Updated/Notify/Info/Options events.
	Request *sip.Request
	// Terminated is set on Terminated events.
	Terminated *Terminated
}

const stateChannelSize = 16

// stateBroadcaster fans state events out to bounded subscriber channels.
// A slow subscriber never blocks producers: on overflow the oldest event
// is dropped.
type stateBroadcaster struct {
	mu   sync.Mutex
	subs []chan StateEvent
}

func newStateBroadcaster() *stateBroadcaster {
	return &stateBroadcaster{}
}

// Subscribe returns a bounded channel of state events.
func (b *stateBroadcaster) Subscribe() <-chan StateEvent {
	ch := make(chan StateEvent, stateChannelSize)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *stateBroadcaster) publish(ev StateEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		for {
			select {
			case ch <- ev:
			default:
				// Drop oldest and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}
