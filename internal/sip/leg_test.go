package sip

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
)

func newTestLeg(t *testing.T) *CallLeg {
	t.Helper()
	leg := newCallLeg("test-call-id", DirectionInbound, nil, slog.Default())
	t.Cleanup(leg.Stop)
	return leg
}

func TestLegDialogTransitions(t *testing.T) {
	leg := newTestLeg(t)

	if got := leg.State(); got != stateInitial {
		t.Fatalf("new leg state = %q, want %q", got, stateInitial)
	}
	if !leg.Unanswered() {
		t.Fatal("new leg should be unanswered")
	}

	leg.Fire(eventProceed)
	if got := leg.State(); got != stateEarly {
		t.Fatalf("after proceed state = %q, want %q", got, stateEarly)
	}
	if !leg.Unanswered() {
		t.Fatal("early leg should be unanswered")
	}

	leg.Fire(eventAnswer)
	if !leg.Answered() {
		t.Fatal("answered leg not in confirmed state")
	}
	if leg.Unanswered() {
		t.Fatal("confirmed leg reported unanswered")
	}

	leg.Fire(eventComplete)
	if leg.Live() {
		t.Fatal("completed leg reported live")
	}
}

func TestLegInvalidEventIgnored(t *testing.T) {
	leg := newTestLeg(t)

	leg.Fire(eventAnswer)
	// A late provisional must not regress the dialog.
	leg.Fire(eventProceed)
	if got := leg.State(); got != stateConfirmed {
		t.Fatalf("state after late proceed = %q, want %q", got, stateConfirmed)
	}
	// Cancel after answer is invalid too.
	leg.Fire(eventCancel)
	if got := leg.State(); got != stateConfirmed {
		t.Fatalf("state after late cancel = %q, want %q", got, stateConfirmed)
	}
}

func TestLegCancelBeforeAnswer(t *testing.T) {
	leg := newTestLeg(t)
	leg.Fire(eventProceed)
	leg.Fire(eventCancel)
	if got := leg.State(); got != stateCanceled {
		t.Fatalf("state = %q, want %q", got, stateCanceled)
	}
	if leg.Live() {
		t.Fatal("canceled leg reported live")
	}
}

func TestLegMailboxOrdering(t *testing.T) {
	leg := newTestLeg(t)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		n := i
		leg.Deliver(func(*CallLeg) {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			wg.Done()
		})
	}
	wg.Wait()

	for i, n := range order {
		if n != i {
			t.Fatalf("messages processed out of order: %v", order)
		}
	}
}

func TestLegDeliverAfterStopDropped(t *testing.T) {
	leg := newCallLeg("dropped-call", DirectionInbound, nil, slog.Default())
	leg.Stop()
	leg.Stop() // idempotent

	// Must not panic or block.
	leg.Deliver(func(*CallLeg) {
		t.Error("message delivered to stopped leg")
	})
	time.Sleep(10 * time.Millisecond)
}

func TestLegAsk(t *testing.T) {
	leg := newTestLeg(t)

	v, err := leg.Ask(context.Background(), func(l *CallLeg) any {
		return l.CallID
	})
	if err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	if v != "test-call-id" {
		t.Errorf("ask returned %v", v)
	}
}

func TestLegAskTimeout(t *testing.T) {
	leg := newTestLeg(t)

	// Jam the executor so the ask cannot be served in time.
	block := make(chan struct{})
	leg.Deliver(func(*CallLeg) { <-block })
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := leg.Ask(ctx, func(*CallLeg) any { return nil }); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestLegRegistry(t *testing.T) {
	reg := NewLegRegistry(slog.Default())

	a := newCallLeg("call-a", DirectionInbound, nil, slog.Default())
	b := newCallLeg("call-b", DirectionOutbound, nil, slog.Default())
	reg.Add(a)
	reg.Add(b)

	if got, ok := reg.Get(a.ID); !ok || got != a {
		t.Fatal("lookup by id failed")
	}
	if got, ok := reg.GetByCallID("call-b"); !ok || got != b {
		t.Fatal("lookup by call-id failed")
	}
	if got := reg.ActiveCallCount(); got != 2 {
		t.Errorf("active count = %d, want 2", got)
	}

	a.Fire(eventAnswer)
	a.Fire(eventComplete)
	if got := reg.ActiveCallCount(); got != 1 {
		t.Errorf("active count after completion = %d, want 1", got)
	}

	reg.Remove(a.ID)
	if _, ok := reg.Get(a.ID); ok {
		t.Fatal("removed leg still present")
	}
	if _, ok := reg.GetByCallID("call-a"); ok {
		t.Fatal("removed leg still indexed by call-id")
	}
	reg.Remove(b.ID)
}

func TestLegDialogIdentity(t *testing.T) {
	leg := newTestLeg(t)

	if _, _, _, ok := leg.DialogIdentity(sip.BYE); ok {
		t.Fatal("leg without a dialog returned an identity")
	}

	var local, remote sip.Uri
	if err := sip.ParseUri("sip:bridge@10.0.0.1", &local); err != nil {
		t.Fatalf("parsing local uri: %v", err)
	}
	if err := sip.ParseUri("sip:alice@192.0.2.10", &remote); err != nil {
		t.Fatalf("parsing remote uri: %v", err)
	}
	from := &sip.FromHeader{Address: local, Params: sip.NewParams()}
	from.Params.Add("tag", "local-tag")
	to := &sip.ToHeader{Address: remote, Params: sip.NewParams()}
	to.Params.Add("tag", "remote-tag")
	leg.SetDialog(from, to, 7)

	// The INVITE's sequence number was 7, so the first in-dialog request
	// gets 8.
	gotFrom, gotTo, seq, ok := leg.DialogIdentity(sip.BYE)
	if !ok {
		t.Fatal("established dialog returned no identity")
	}
	if seq != 8 {
		t.Errorf("first in-dialog CSeq = %d, want 8", seq)
	}
	if tag, _ := gotFrom.Params.Get("tag"); tag != "local-tag" {
		t.Errorf("from tag = %q, want local-tag", tag)
	}
	if tag, _ := gotTo.Params.Get("tag"); tag != "remote-tag" {
		t.Errorf("to tag = %q, want remote-tag", tag)
	}

	// ACK reuses the sequence number of the request it acknowledges.
	if _, _, seq, _ := leg.DialogIdentity(sip.ACK); seq != 8 {
		t.Errorf("ack CSeq = %d, want 8", seq)
	}
	if _, _, seq, _ := leg.DialogIdentity(sip.INFO); seq != 9 {
		t.Errorf("next in-dialog CSeq = %d, want 9", seq)
	}

	// Returned headers are copies; mutating them must not corrupt the
	// stored dialog state.
	gotFrom.Params.Add("tag", "mutated")
	if f, _, _, _ := leg.DialogIdentity(sip.INFO); f != nil {
		if tag, _ := f.Params.Get("tag"); tag != "local-tag" {
			t.Errorf("stored from tag = %q after caller mutation, want local-tag", tag)
		}
	}
}
