package haptics

import (
	"github.com/zeusync/haptics/internal/core/device"
	"github.com/zeusync/haptics/internal/core/events/bus"
)

const (
	// EventStateChanged carries a StateChange on every LoopState transition.
	EventStateChanged = "haptics.state"
	// EventFault carries a Fault for every per-iteration read or write fault.
	EventFault = "haptics.fault"

	eventSource = "haptics.controller"

	notifyBuffer = 64
	// faults may only fill the buffer up to here; the rest is kept for the
	// few state changes of a run so they never wait on a busy subscriber
	faultLimit = notifyBuffer - 8
)

type StateChange struct {
	RunID string
	From  LoopState
	To    LoopState
	// Err is set on the transition to Stopped when the loop ended on an error.
	Err error
}

type Fault struct {
	RunID     string
	Kind      device.Kind
	Iteration uint64
	Err       error
}

// notifier hands events from the loop to the bus on its own goroutine, so
// subscribers never run on the control loop and may call Start or Stop.
// Fault sends never block; past faultLimit the fault is dropped and counted.
//
// Delivery of a run starts only after the previous run's notifier is done,
// so subscribers see runs in order.
type notifier struct {
	events  bus.EventBus
	queue   chan bus.Event
	prev    <-chan struct{}
	done    chan struct{}
	dropped func()
}

func newNotifier(events bus.EventBus, prev <-chan struct{}, dropped func()) *notifier {
	n := &notifier{
		events:  events,
		queue:   make(chan bus.Event, notifyBuffer),
		prev:    prev,
		done:    make(chan struct{}),
		dropped: dropped,
	}
	if events == nil {
		close(n.done)
		return n
	}
	go n.run()
	return n
}

func (n *notifier) run() {
	defer close(n.done)
	if n.prev != nil {
		<-n.prev
	}
	for ev := range n.queue {
		// handler errors belong to the subscribers
		_ = n.events.Publish(ev)
	}
}

// sendWait queues an event that must not be lost, blocking while the buffer is full.
func (n *notifier) sendWait(eventType string, data any) {
	if n.events == nil {
		return
	}
	n.queue <- bus.NewEvent(eventType, eventSource, data)
}

func (n *notifier) send(eventType string, data any) {
	if n.events == nil {
		return
	}
	// only the loop goroutine sends, so the queue cannot grow behind this check
	if len(n.queue) >= faultLimit {
		n.drop()
		return
	}
	select {
	case n.queue <- bus.NewEvent(eventType, eventSource, data):
	default:
		n.drop()
	}
}

func (n *notifier) drop() {
	if n.dropped != nil {
		n.dropped()
	}
}

// close ends the queue. Events already queued are still delivered; wait on
// done to know when.
func (n *notifier) close() {
	if n.events != nil {
		close(n.queue)
	}
}
