package user

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/onnwee/medledger/internal/audit"
)

// Repository defines the interface for identity storage. Every mutation takes
// the audit entry describing it and persists both or neither.
type Repository interface {
	// Create stores a new user. Returns ErrWalletExists when the address is taken.
	Create(ctx context.Context, u *User, trail audit.LogEntry) (*User, error)

	// GetByID retrieves a user by ID.
	GetByID(ctx context.Context, id string) (*User, error)

	// GetByWallet retrieves a user by lowercase wallet address.
	GetByWallet(ctx context.Context, wallet string) (*User, error)

	// Update overwrites the mutable profile fields of an existing user.
	Update(ctx context.Context, u *User, trail audit.LogEntry) (*User, error)

	// ListPendingDoctors returns unverified doctors, oldest first.
	ListPendingDoctors(ctx context.Context) ([]*User, error)

	// Approve marks a doctor as verified. Returns ErrUserNotFound if id is not a doctor.
	Approve(ctx context.Context, id string, trail audit.LogEntry) (*User, error)
}

// prepareCreate assigns identity and timestamps and binds the audit target.
func prepareCreate(u *User, trail *audit.LogEntry, now time.Time) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	now = now.UTC().Truncate(time.Microsecond)
	u.CreatedAt = now
	u.UpdatedAt = now
	if trail.TargetID == "" {
		trail.TargetID = u.ID
	}
	if trail.ActorID == "" {
		trail.ActorID = u.ID
	}
}

// InMemoryRepository is an in-memory implementation of Repository.
// Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu       sync.RWMutex
	users    map[string]*User
	byWallet map[string]string
	audit    audit.Repository
	now      func() time.Time
}

// NewInMemoryRepository creates a new in-memory user repository that writes
// its trail to auditRepo.
func NewInMemoryRepository(auditRepo audit.Repository) *InMemoryRepository {
	return &InMemoryRepository{
		users:    make(map[string]*User),
		byWallet: make(map[string]string),
		audit:    auditRepo,
		now:      time.Now,
	}
}

// Create stores a new user.
func (r *InMemoryRepository) Create(ctx context.Context, u *User, trail audit.LogEntry) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byWallet[u.WalletAddress]; exists {
		return nil, ErrWalletExists
	}

	stored := *u
	prepareCreate(&stored, &trail, r.now())
	if _, err := r.audit.Append(ctx, trail); err != nil {
		return nil, fmt.Errorf("failed to audit user creation: %w", err)
	}

	r.users[stored.ID] = &stored
	r.byWallet[stored.WalletAddress] = stored.ID

	out := stored
	return &out, nil
}

// GetByID retrieves a user by ID.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := *u
	return &out, nil
}

// GetByWallet retrieves a user by wallet address.
func (r *InMemoryRepository) GetByWallet(ctx context.Context, wallet string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byWallet[wallet]
	if !ok {
		return nil, ErrUserNotFound
	}
	out := *r.users[id]
	return &out, nil
}

// Update overwrites profile fields. Wallet, role, key and verification are kept.
func (r *InMemoryRepository) Update(ctx context.Context, u *User, trail audit.LogEntry) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.users[u.ID]
	if !ok {
		return nil, ErrUserNotFound
	}

	if trail.TargetID == "" {
		trail.TargetID = u.ID
	}
	if _, err := r.audit.Append(ctx, trail); err != nil {
		return nil, fmt.Errorf("failed to audit profile update: %w", err)
	}

	updated := *existing
	copyProfile(&updated, u)
	updated.UpdatedAt = r.now().UTC().Truncate(time.Microsecond)
	r.users[u.ID] = &updated

	out := updated
	return &out, nil
}

// ListPendingDoctors returns unverified doctors, oldest first.
func (r *InMemoryRepository) ListPendingDoctors(ctx context.Context) ([]*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pending := make([]*User, 0)
	for _, u := range r.users {
		if u.Role == RoleDoctor && !u.IsVerified {
			out := *u
			pending = append(pending, &out)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// Approve marks a doctor as verified.
func (r *InMemoryRepository) Approve(ctx context.Context, id string, trail audit.LogEntry) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok || u.Role != RoleDoctor {
		return nil, ErrUserNotFound
	}

	if trail.TargetID == "" {
		trail.TargetID = id
	}
	if _, err := r.audit.Append(ctx, trail); err != nil {
		return nil, fmt.Errorf("failed to audit doctor approval: %w", err)
	}

	u.IsVerified = true
	u.UpdatedAt = r.now().UTC().Truncate(time.Microsecond)

	out := *u
	return &out, nil
}

// copyProfile copies the self-editable fields from src onto dst.
func copyProfile(dst, src *User) {
	dst.Name = src.Name
	dst.Gender = src.Gender
	dst.Age = src.Age
	dst.BloodType = src.BloodType
	dst.Allergies = src.Allergies
	dst.Specialization = src.Specialization
	dst.HospitalName = src.HospitalName
}
