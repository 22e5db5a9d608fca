package grant

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/onnwee/medledger/internal/audit"
)

// Repository defines the interface for grant storage.
type Repository interface {
	// Create stores a new grant together with its audit entry.
	Create(ctx context.Context, g *Grant, trail audit.LogEntry) (*Grant, error)

	// GetByID retrieves a grant by ID regardless of state.
	GetByID(ctx context.Context, id string) (*Grant, error)

	// GetByToken retrieves a grant that is redeemable at now, or ErrGrantNotFound.
	GetByToken(ctx context.Context, token string, now time.Time) (*Grant, error)

	// Redeem atomically re-checks redeemability at now and counts one use.
	// A non-nil trail is written in the same transaction.
	Redeem(ctx context.Context, token string, now time.Time, trail *audit.LogEntry) (*Grant, error)

	// Revoke deactivates the grant. changed is false when it was already inactive,
	// in which case no audit entry is written.
	Revoke(ctx context.Context, id string, now time.Time, trail audit.LogEntry) (changed bool, err error)

	// ListActiveByPatient returns grants redeemable at now, newest first.
	ListActiveByPatient(ctx context.Context, patientID string, now time.Time) ([]*Grant, error)
}

func prepareCreate(g *Grant, trail *audit.LogEntry, now time.Time) {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	g.CreatedAt = now.UTC().Truncate(time.Microsecond)
	g.ExpiresAt = g.ExpiresAt.UTC().Truncate(time.Microsecond)
	g.IsActive = true
	g.UseCount = 0
	if trail.TargetID == "" {
		trail.TargetID = g.ID
	}
	if trail.ActorID == "" {
		trail.ActorID = g.PatientID
	}
}

// InMemoryRepository is an in-memory implementation of Repository.
// A single mutex serializes redeem and revoke on the same grant.
type InMemoryRepository struct {
	mu      sync.RWMutex
	grants  map[string]*Grant
	byToken map[string]string
	audit   audit.Repository
	now     func() time.Time
}

// NewInMemoryRepository creates a new in-memory grant repository that writes
// its trail to auditRepo.
func NewInMemoryRepository(auditRepo audit.Repository) *InMemoryRepository {
	return &InMemoryRepository{
		grants:  make(map[string]*Grant),
		byToken: make(map[string]string),
		audit:   auditRepo,
		now:     time.Now,
	}
}

// Create stores a new grant.
func (r *InMemoryRepository) Create(ctx context.Context, g *Grant, trail audit.LogEntry) (*Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *g
	prepareCreate(&stored, &trail, r.now())
	if _, exists := r.byToken[stored.Token]; exists {
		return nil, fmt.Errorf("failed to insert grant: duplicate token")
	}
	if _, err := r.audit.Append(ctx, trail); err != nil {
		return nil, fmt.Errorf("failed to audit grant creation: %w", err)
	}

	r.grants[stored.ID] = &stored
	r.byToken[stored.Token] = stored.ID

	out := stored
	return &out, nil
}

// GetByID retrieves a grant by ID.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Grant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.grants[id]
	if !ok {
		return nil, ErrGrantNotFound
	}
	out := *g
	return &out, nil
}

// GetByToken retrieves a grant redeemable at now.
func (r *InMemoryRepository) GetByToken(ctx context.Context, token string, now time.Time) (*Grant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.lookupToken(token)
	if !ok || g.StateAt(now) != StateActive {
		return nil, ErrGrantNotFound
	}
	out := *g
	return &out, nil
}

// Redeem counts one use of a grant redeemable at now.
func (r *InMemoryRepository) Redeem(ctx context.Context, token string, now time.Time, trail *audit.LogEntry) (*Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.lookupToken(token)
	if !ok || g.StateAt(now) != StateActive {
		return nil, ErrGrantNotFound
	}
	if trail != nil {
		if _, err := r.audit.Append(ctx, *trail); err != nil {
			return nil, fmt.Errorf("failed to audit grant redemption: %w", err)
		}
	}

	g.UseCount++
	out := *g
	return &out, nil
}

// Revoke deactivates the grant.
func (r *InMemoryRepository) Revoke(ctx context.Context, id string, now time.Time, trail audit.LogEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.grants[id]
	if !ok {
		return false, ErrGrantNotFound
	}
	if !g.IsActive {
		return false, nil
	}
	if trail.TargetID == "" {
		trail.TargetID = id
	}
	if _, err := r.audit.Append(ctx, trail); err != nil {
		return false, fmt.Errorf("failed to audit grant revocation: %w", err)
	}

	revokedAt := now.UTC().Truncate(time.Microsecond)
	g.IsActive = false
	g.RevokedAt = &revokedAt
	return true, nil
}

// ListActiveByPatient returns grants redeemable at now, newest first.
func (r *InMemoryRepository) ListActiveByPatient(ctx context.Context, patientID string, now time.Time) ([]*Grant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	grants := make([]*Grant, 0)
	for _, g := range r.grants {
		if g.PatientID == patientID && g.StateAt(now) == StateActive {
			out := *g
			grants = append(grants, &out)
		}
	}
	sort.Slice(grants, func(i, j int) bool {
		return grants[i].CreatedAt.After(grants[j].CreatedAt)
	})
	return grants, nil
}

func (r *InMemoryRepository) lookupToken(token string) (*Grant, bool) {
	id, ok := r.byToken[token]
	if !ok {
		return nil, false
	}
	return r.grants[id], true
}
