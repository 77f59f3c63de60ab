package chord

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

type memChord struct {
	campaignID string
	state      State
	detail     string
	fired      bool
	terminal   int
	createdAt  time.Time
	members    map[string]*Member
}

// Memory is an in-process Barrier with the same semantics as Redis
type Memory struct {
	mu     sync.Mutex
	chords map[string]*memChord
}

func NewMemory() *Memory {
	return &Memory{chords: make(map[string]*memChord)}
}

func (m *Memory) Open(ctx context.Context, c Chord) (bool, error) {
	if err := c.validate(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chords[c.Handle]; ok {
		return false, ErrChordExists
	}

	mc := &memChord{
		campaignID: c.CampaignID,
		state:      StatePending,
		createdAt:  time.Now().UTC(),
		members:    make(map[string]*Member, len(c.Members)),
	}
	for _, id := range c.Members {
		mc.members[id] = &Member{ID: id, State: MemberPending}
	}
	if len(c.Members) == 0 {
		mc.fired = true
		mc.state = StateReducing
	}
	m.chords[c.Handle] = mc
	return mc.fired, nil
}

func (m *Memory) lookup(handle, member string) (*memChord, *Member, error) {
	mc, ok := m.chords[handle]
	if !ok {
		return nil, nil, ErrUnknownChord
	}
	if member == "" {
		return mc, nil, nil
	}
	mem, ok := mc.members[member]
	if !ok {
		return nil, nil, ErrUnknownMember
	}
	return mc, mem, nil
}

func (m *Memory) MarkRunning(ctx context.Context, handle, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, mem, err := m.lookup(handle, member)
	if err != nil {
		return err
	}
	if mem.State == MemberPending {
		mem.State = MemberRunning
	}
	return nil
}

func (m *Memory) Arrive(ctx context.Context, handle, member string, outcome Outcome) (bool, error) {
	if err := checkOutcome(outcome); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	mc, mem, err := m.lookup(handle, member)
	if err != nil {
		return false, err
	}
	if mem.State.Terminal() {
		return false, nil
	}

	mem.State = outcome.State
	mem.Result = outcome.Result
	mc.terminal++
	if mc.terminal == len(mc.members) && !mc.fired {
		mc.fired = true
		mc.state = StateReducing
		return true, nil
	}
	return false, nil
}

func (m *Memory) Finish(ctx context.Context, handle string, state State, detail string) error {
	if err := checkFinal(state); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	mc, _, err := m.lookup(handle, "")
	if err != nil {
		return err
	}
	mc.state = state
	mc.detail = detail
	return nil
}

func (m *Memory) Status(ctx context.Context, handle string) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mc, _, err := m.lookup(handle, "")
	if err != nil {
		return nil, err
	}

	status := &Status{
		Handle:     handle,
		CampaignID: mc.campaignID,
		State:      mc.state,
		Detail:     mc.detail,
		Total:      len(mc.members),
		Terminal:   mc.terminal,
		CreatedAt:  mc.createdAt,
		Members:    make([]Member, 0, len(mc.members)),
	}
	for _, mem := range mc.members {
		status.Members = append(status.Members, *mem)
	}
	finalizeStatus(status)
	return status, nil
}

// finalizeStatus sorts members and derives the per-state counters
func finalizeStatus(s *Status) {
	slices.SortFunc(s.Members, func(a, b Member) int { return strings.Compare(a.ID, b.ID) })
	for _, mem := range s.Members {
		switch mem.State {
		case MemberSucceeded:
			s.Succeeded++
		case MemberFailed:
			s.Failed++
		}
	}
}
