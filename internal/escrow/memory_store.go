package escrow

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// Compare-and-set semantics match the Postgres store so service and
// reconciler behavior is identical under test.
type MemoryStore struct {
	escrows map[string]*EscrowPayment
	mu      sync.Mutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*EscrowPayment),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *EscrowPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.escrows {
		if existing.ProjectID == e.ProjectID && !existing.Status.IsTerminal() {
			return ErrActiveEscrowExists
		}
	}

	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*EscrowPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetByExternalRef(ctx context.Context, ref string) (*EscrowPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.escrows {
		if e.ExternalReference == ref {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetActiveByProject(ctx context.Context, projectID string) (*EscrowPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found *EscrowPayment
	for _, e := range m.escrows {
		if e.ProjectID != projectID || e.Status.IsTerminal() {
			continue
		}
		if found != nil {
			return nil, ErrMultipleActive
		}
		found = e
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*EscrowPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*EscrowPayment
	for _, e := range m.escrows {
		if e.ClientID == userID || e.FreelancerID == userID {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*EscrowPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*EscrowPayment
	for _, e := range m.escrows {
		if e.Status == StatusPending && e.CreatedAt.Before(cutoff) {
			cp := *e
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) TransitionStatus(ctx context.Context, id string, from, to Status, change StatusChange) (*EscrowPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.transitionLocked(e, from, to, change)
}

func (m *MemoryStore) TransitionByExternalRef(ctx context.Context, ref string, from, to Status, change StatusChange) (*EscrowPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.escrows {
		if e.ExternalReference == ref {
			return m.transitionLocked(e, from, to, change)
		}
	}
	return nil, ErrNotFound
}

// transitionLocked applies a compare-and-set status change. Callers hold m.mu.
func (m *MemoryStore) transitionLocked(e *EscrowPayment, from, to Status, change StatusChange) (*EscrowPayment, error) {
	if !CanTransition(from, to) {
		return nil, ErrInvalidTransition
	}
	if e.Status != from {
		return nil, ErrStaleStatus
	}

	e.Status = to
	e.UpdatedAt = time.Now()
	if change.ReleasedAt != nil {
		e.ReleasedAt = change.ReleasedAt
	}
	if change.DisputeReason != "" {
		e.DisputeReason = change.DisputeReason
	}
	if change.Notes != "" {
		e.Notes = change.Notes
	}

	cp := *e
	return &cp, nil
}

// SetStatusForTest force-sets a status outside the transition table, for
// seeding states like disputed that have no inbound edge in the engine.
func (m *MemoryStore) SetStatusForTest(id string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.escrows[id]; ok {
		e.Status = status
	}
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
