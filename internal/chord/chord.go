package chord

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownChord  = errors.New("unknown chord")
	ErrUnknownMember = errors.New("unknown chord member")
	ErrChordExists   = errors.New("chord already registered")
)

// MemberState is the lifecycle of one pipeline inside a chord
type MemberState string

const (
	MemberPending   MemberState = "pending"
	MemberRunning   MemberState = "running"
	MemberSucceeded MemberState = "succeeded"
	MemberFailed    MemberState = "failed"
)

func (s MemberState) Terminal() bool {
	return s == MemberSucceeded || s == MemberFailed
}

// State is the lifecycle of the chord as a whole
type State string

const (
	StatePending      State = "pending"  // members still running
	StateReducing     State = "reducing" // fired, reduce dispatched
	StateDone         State = "done"
	StateReduceFailed State = "reduce_failed"
)

// Chord registers a group of members whose completion triggers one callback
type Chord struct {
	Handle     string
	CampaignID string
	Members    []string
}

func (c Chord) validate() error {
	if c.Handle == "" {
		return errors.New("chord handle is empty")
	}
	seen := make(map[string]struct{}, len(c.Members))
	for _, m := range c.Members {
		if m == "" {
			return errors.New("chord member id is empty")
		}
		if _, ok := seen[m]; ok {
			return fmt.Errorf("duplicate chord member %q", m)
		}
		seen[m] = struct{}{}
	}
	return nil
}

// Outcome is what a member reports when it reaches a terminal state. Result is
// the artifact key on success and the error text on failure.
type Outcome struct {
	State  MemberState
	Result string
}

func Succeeded(key string) Outcome { return Outcome{State: MemberSucceeded, Result: key} }

func Failed(err error) Outcome { return Outcome{State: MemberFailed, Result: err.Error()} }

type Member struct {
	ID     string      `json:"id"`
	State  MemberState `json:"state"`
	Result string      `json:"result,omitempty"`
}

type Status struct {
	Handle     string    `json:"handle"`
	CampaignID string    `json:"campaign_id"`
	State      State     `json:"state"`
	Detail     string    `json:"detail,omitempty"`
	Total      int       `json:"total"`
	Terminal   int       `json:"terminal"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	CreatedAt  time.Time `json:"created_at"`
	Members    []Member  `json:"members"`
}

// Barrier is the fan-out/fan-in primitive shared by the scheduler and workers.
// Arrive returns true for exactly one caller per chord: the one recording the
// last distinct terminal member. A member arriving again is ignored.
type Barrier interface {
	// Open registers the chord. It reports true when the chord has no members and fired at once.
	Open(ctx context.Context, c Chord) (bool, error)
	MarkRunning(ctx context.Context, handle, member string) error
	Arrive(ctx context.Context, handle, member string, outcome Outcome) (bool, error)
	// Finish records the callback outcome.
	Finish(ctx context.Context, handle string, state State, detail string) error
	Status(ctx context.Context, handle string) (*Status, error)
}

func checkOutcome(o Outcome) error {
	if !o.State.Terminal() {
		return fmt.Errorf("outcome state %q is not terminal", o.State)
	}
	return nil
}

func checkFinal(s State) error {
	if s != StateDone && s != StateReduceFailed {
		return fmt.Errorf("chord state %q is not final", s)
	}
	return nil
}
