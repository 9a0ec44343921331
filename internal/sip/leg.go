package sip

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/voxbridge/voxbridge/internal/interp"
)

// Dialog states a call leg moves through.
const (
	stateInitial   = "initial"
	stateEarly     = "early"
	stateConfirmed = "confirmed"
	stateCompleted = "completed"
	stateFailed    = "failed"
	stateCanceled  = "canceled"
)

// Dialog events.
const (
	eventProceed  = "proceed"
	eventAnswer   = "answer"
	eventComplete = "complete"
	eventFail     = "fail"
	eventCancel   = "cancel"
)

// Call direction values.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
	DirectionClient   = "client"
)

const mailboxSize = 64

// legMsg is one unit of work delivered to a leg's executor.
type legMsg struct {
	fn func(*CallLeg)
}

// CallLeg is one side of a call, processed as a single-threaded actor: all
// messages addressed to it run sequentially in its executor goroutine.
type CallLeg struct {
	ID        string
	CallID    string
	Direction string

	// Request is the INVITE that created this leg: the inbound request for
	// server legs, the sent request for client legs.
	Request *sip.Request

	// ServerTx is set for legs created by an inbound INVITE.
	ServerTx sip.ServerTransaction

	// ClientTx is set for legs we originated.
	ClientTx sip.ClientTransaction

	// RemoteTarget is where in-dialog requests for this leg go.
	RemoteTarget *sip.Uri

	// Challenged is set once a 401/407 final response was seen on this leg,
	// which rules out CANCEL as the teardown method.
	Challenged bool

	// Dialog identity captured from the INVITE exchange. Relay paths read it
	// from outside the executor, hence the lock.
	dialogMu   sync.Mutex
	dialogFrom *sip.FromHeader
	dialogTo   *sip.ToHeader
	dialogCSeq uint32

	fsm     *fsm.FSM
	mailbox chan legMsg
	stopped atomic.Bool
	done    chan struct{}

	// Interpreter state, owned by the executor goroutine.
	Runner    interp.Runner
	RelatedID string

	logger *slog.Logger
}

// newCallLeg creates a leg in the initial dialog state and starts its
// executor.
func newCallLeg(callID, direction string, req *sip.Request, logger *slog.Logger) *CallLeg {
	leg := &CallLeg{
		ID:        uuid.NewString(),
		CallID:    callID,
		Direction: direction,
		Request:   req,
		mailbox:   make(chan legMsg, mailboxSize),
		done:      make(chan struct{}),
	}
	leg.logger = logger.With("subsystem", "leg", "leg_id", leg.ID, "call_id", callID)

	leg.fsm = fsm.NewFSM(
		stateInitial,
		fsm.Events{
			{Name: eventProceed, Src: []string{stateInitial}, Dst: stateEarly},
			{Name: eventAnswer, Src: []string{stateInitial, stateEarly}, Dst: stateConfirmed},
			{Name: eventComplete, Src: []string{stateConfirmed}, Dst: stateCompleted},
			{Name: eventFail, Src: []string{stateInitial, stateEarly}, Dst: stateFailed},
			{Name: eventCancel, Src: []string{stateInitial, stateEarly}, Dst: stateCanceled},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				leg.logger.Debug("dialog state changed",
					"event", e.Event,
					"from", e.Src,
					"to", e.Dst,
				)
			},
		},
	)

	go leg.run()
	return leg
}

// run drains the mailbox until the leg is stopped.
func (l *CallLeg) run() {
	for msg := range l.mailbox {
		msg.fn(l)
	}
	close(l.done)
}

// Deliver enqueues work for the leg's executor. Messages to a stopped leg
// are silently dropped, which makes stale timer callbacks harmless.
func (l *CallLeg) Deliver(fn func(*CallLeg)) {
	if l.stopped.Load() {
		return
	}
	defer func() {
		// The mailbox may close between the stopped check and the send.
		_ = recover()
	}()
	l.mailbox <- legMsg{fn: fn}
}

// Ask runs fn on the executor and waits for its result, at most for the
// context's deadline. A stopped leg or a timeout yields ctx.Err or
// context.Canceled rather than a hang.
func (l *CallLeg) Ask(ctx context.Context, fn func(*CallLeg) any) (any, error) {
	reply := make(chan any, 1)
	if l.stopped.Load() {
		return nil, context.Canceled
	}
	l.Deliver(func(leg *CallLeg) {
		reply <- fn(leg)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case v := <-reply:
		return v, nil
	}
}

// Stop terminates the executor. Idempotent.
func (l *CallLeg) Stop() {
	if l.stopped.CompareAndSwap(false, true) {
		close(l.mailbox)
	}
}

// State returns the current dialog state.
func (l *CallLeg) State() string {
	return l.fsm.Current()
}

// Fire drives a dialog event, ignoring transitions that are invalid from the
// current state (a late 180 after answer, a second final response).
func (l *CallLeg) Fire(event string) {
	if err := l.fsm.Event(context.Background(), event); err != nil {
		l.logger.Debug("ignored dialog event", "event", event, "state", l.fsm.Current(), "error", err)
	}
}

// Live reports whether the dialog has not yet reached a terminal state.
func (l *CallLeg) Live() bool {
	switch l.fsm.Current() {
	case stateCompleted, stateFailed, stateCanceled:
		return false
	}
	return true
}

// Answered reports whether this leg reached the confirmed state.
func (l *CallLeg) Answered() bool {
	return l.fsm.Current() == stateConfirmed
}

// Unanswered reports whether the dialog is still before a final response,
// the window where CANCEL is the correct teardown.
func (l *CallLeg) Unanswered() bool {
	switch l.fsm.Current() {
	case stateInitial, stateEarly:
		return true
	}
	return false
}

// SetDialog records the From, To, and CSeq established by the INVITE
// exchange. In-dialog requests built later carry these values so the remote
// endpoint can match them to the dialog.
func (l *CallLeg) SetDialog(from *sip.FromHeader, to *sip.ToHeader, inviteCSeq uint32) {
	l.dialogMu.Lock()
	defer l.dialogMu.Unlock()
	l.dialogFrom = sip.HeaderClone(from).(*sip.FromHeader)
	l.dialogTo = sip.HeaderClone(to).(*sip.ToHeader)
	l.dialogCSeq = inviteCSeq
}

// DialogIdentity returns header copies and the CSeq number for a new
// in-dialog request. ACK reuses the INVITE's number; any other method
// advances the sequence. Reports false until SetDialog has run.
func (l *CallLeg) DialogIdentity(method sip.RequestMethod) (*sip.FromHeader, *sip.ToHeader, uint32, bool) {
	l.dialogMu.Lock()
	defer l.dialogMu.Unlock()
	if l.dialogFrom == nil || l.dialogTo == nil {
		return nil, nil, 0, false
	}
	seq := l.dialogCSeq
	if method != sip.ACK {
		l.dialogCSeq++
		seq = l.dialogCSeq
	}
	from := sip.HeaderClone(l.dialogFrom).(*sip.FromHeader)
	to := sip.HeaderClone(l.dialogTo).(*sip.ToHeader)
	return from, to, seq, true
}

// LegRegistry indexes live legs by leg id and by SIP Call-ID.
type LegRegistry struct {
	mu       sync.RWMutex
	byID     map[string]*CallLeg
	byCallID map[string]*CallLeg
	logger   *slog.Logger
}

// NewLegRegistry creates an empty registry.
func NewLegRegistry(logger *slog.Logger) *LegRegistry {
	return &LegRegistry{
		byID:     make(map[string]*CallLeg),
		byCallID: make(map[string]*CallLeg),
		logger:   logger.With("subsystem", "legs"),
	}
}

// Add registers a leg under both indexes.
func (r *LegRegistry) Add(leg *CallLeg) {
	r.mu.Lock()
	r.byID[leg.ID] = leg
	r.byCallID[leg.CallID] = leg
	r.mu.Unlock()
}

// Get returns the leg with the given id.
func (r *LegRegistry) Get(id string) (*CallLeg, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	leg, ok := r.byID[id]
	return leg, ok
}

// GetByCallID returns the leg carrying the given SIP Call-ID.
func (r *LegRegistry) GetByCallID(callID string) (*CallLeg, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	leg, ok := r.byCallID[callID]
	return leg, ok
}

// Remove stops a leg and drops it from both indexes.
func (r *LegRegistry) Remove(id string) {
	r.mu.Lock()
	leg, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byCallID, leg.CallID)
	}
	r.mu.Unlock()
	if ok {
		leg.Stop()
	}
}

// ActiveCallCount implements metrics.ActiveCallsProvider.
func (r *LegRegistry) ActiveCallCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, leg := range r.byID {
		if leg.Live() {
			count++
		}
	}
	return count
}
