// Package interp defines the boundary between the signaling core and the
// voice-application interpreter. The interpreter itself lives outside this
// process; the signaling core only starts, stops, and observes runs.
package interp

import (
	"context"
	"time"
)

// StartRequest carries everything an interpreter run needs to fetch and
// execute a voice application against one call leg.
type StartRequest struct {
	AccountID  int64
	APIVersion string

	// URL and Method locate the voice application. For synthesized scripts
	// Script is set instead and URL is empty.
	URL    string
	Method string
	Script string

	FallbackURL    string
	FallbackMethod string

	StatusCallbackURL    string
	StatusCallbackMethod string

	// LegID names the call leg the run drives.
	LegID string
}

// Runner is one live interpreter execution bound to a call leg.
type Runner interface {
	// Start begins executing the application. It returns once the run is
	// scheduled, not when it completes.
	Start(ctx context.Context) error

	// Stop terminates the run. Safe to call more than once.
	Stop()

	// Observers returns the parties currently observing this run, waiting at
	// most the given duration for the executor to answer.
	Observers(ctx context.Context, wait time.Duration) ([]string, error)

	// StopObserving detaches all observers without stopping the run.
	StopObserving()

	// RelatedLeg returns the id of the leg this run bridged to, or an empty
	// string when the run has no paired leg. Bounded the same way Observers is.
	RelatedLeg(ctx context.Context, wait time.Duration) (string, error)
}

// Builder constructs Runners. The signaling core holds a Builder and never
// constructs interpreter state itself.
type Builder interface {
	Build(req StartRequest) (Runner, error)
}

// ObserverFetchWait bounds the synchronous observer and paired-leg fetch
// during a live script update.
const ObserverFetchWait = 10 * time.Second

// Restart delays applied when swapping interpreters on a live call. The gap
// lets in-flight signaling for the old run drain first.
const (
	RestartDelayFirstLeg  = 500 * time.Millisecond
	RestartDelayPairedLeg = time.Second
)
