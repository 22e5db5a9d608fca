package record

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/onnwee/medledger/internal/audit"
)

// Repository defines the interface for record storage. Records are append-only.
type Repository interface {
	// Create stores a new record together with its audit entry.
	Create(ctx context.Context, rec *Record, trail audit.LogEntry) (*Record, error)

	// GetByID retrieves a record by ID.
	GetByID(ctx context.Context, id string) (*Record, error)

	// ListByPatient returns every record owned by patientID, newest first.
	ListByPatient(ctx context.Context, patientID string) ([]*Record, error)
}

func prepareCreate(rec *Record, trail *audit.LogEntry, now time.Time) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.CreatedAt = now.UTC().Truncate(time.Microsecond)
	if trail.TargetID == "" {
		trail.TargetID = rec.ID
	}
	if trail.ActorID == "" {
		trail.ActorID = rec.DoctorID
	}
}

func sortNewestFirst(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}

// InMemoryRepository is an in-memory implementation of Repository.
// Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu        sync.RWMutex
	records   map[string]*Record
	byPatient map[string][]string
	audit     audit.Repository
	now       func() time.Time
}

// NewInMemoryRepository creates a new in-memory record repository that writes
// its trail to auditRepo.
func NewInMemoryRepository(auditRepo audit.Repository) *InMemoryRepository {
	return &InMemoryRepository{
		records:   make(map[string]*Record),
		byPatient: make(map[string][]string),
		audit:     auditRepo,
		now:       time.Now,
	}
}

// Create stores a new record.
func (r *InMemoryRepository) Create(ctx context.Context, rec *Record, trail audit.LogEntry) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *rec
	prepareCreate(&stored, &trail, r.now())
	if _, err := r.audit.Append(ctx, trail); err != nil {
		return nil, fmt.Errorf("failed to audit record creation: %w", err)
	}

	r.records[stored.ID] = &stored
	r.byPatient[stored.PatientID] = append(r.byPatient[stored.PatientID], stored.ID)

	out := stored
	return &out, nil
}

// GetByID retrieves a record by ID.
func (r *InMemoryRepository) GetByID(ctx context.Context, id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	out := *rec
	return &out, nil
}

// ListByPatient returns every record owned by patientID, newest first.
func (r *InMemoryRepository) ListByPatient(ctx context.Context, patientID string) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byPatient[patientID]
	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		out := *r.records[id]
		records = append(records, &out)
	}
	sortNewestFirst(records)
	return records, nil
}
