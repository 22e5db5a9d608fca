package user

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/medledger/internal/audit"
)

func newTestRepo(t *testing.T) (*InMemoryRepository, *audit.InMemoryRepository) {
	t.Helper()
	auditRepo := audit.NewInMemoryRepository()
	return NewInMemoryRepository(auditRepo), auditRepo
}

func createdTrail() audit.LogEntry {
	return audit.LogEntry{Action: audit.ActionUserCreated, EntityType: audit.EntityUser}
}

func TestInMemoryRepository_Create(t *testing.T) {
	repo, auditRepo := newTestRepo(t)
	ctx := context.Background()

	u, err := repo.Create(ctx, &User{
		WalletAddress: "0x1111111111111111111111111111111111111111",
		Role:          RolePatient,
		Name:          "Siti Nurhaliza",
		PublicKey:     "pk",
	}, createdTrail())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if u.ID == "" {
		t.Fatal("Create() did not assign an ID")
	}
	if u.CreatedAt.IsZero() {
		t.Error("Create() did not set CreatedAt")
	}

	logs, _ := auditRepo.QueryByUser(ctx, u.ID, 10)
	if len(logs) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(logs))
	}
	if logs[0].Action != audit.ActionUserCreated || logs[0].ActorID != u.ID {
		t.Errorf("unexpected audit entry: %+v", logs[0])
	}

	_, err = repo.Create(ctx, &User{WalletAddress: u.WalletAddress, Role: RoleDoctor, Name: "Other"}, createdTrail())
	if !errors.Is(err, ErrWalletExists) {
		t.Errorf("duplicate Create() error = %v, want %v", err, ErrWalletExists)
	}
	if logs, _ := auditRepo.QueryAll(ctx, 0); len(logs) != 1 {
		t.Errorf("failed Create() wrote an audit entry: %d entries", len(logs))
	}
}

func TestInMemoryRepository_CreateFailsWhenAuditRejects(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := repo.Create(ctx, &User{WalletAddress: "0xabc", Role: RolePatient, Name: "Ann"},
		audit.LogEntry{Action: "Unknown", EntityType: audit.EntityUser})
	if err == nil {
		t.Fatal("expected error when audit append fails")
	}
	if _, err := repo.GetByWallet(ctx, "0xabc"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("user persisted without audit entry: %v", err)
	}
}

func TestInMemoryRepository_GetReturnsCopies(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	u, _ := repo.Create(ctx, &User{WalletAddress: "0xabc", Role: RolePatient, Name: "Ann"}, createdTrail())
	got, err := repo.GetByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	got.Name = "Mutated"

	again, _ := repo.GetByWallet(ctx, "0xabc")
	if again.Name != "Ann" {
		t.Errorf("stored user mutated through returned pointer: %q", again.Name)
	}
	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("GetByID(missing) error = %v", err)
	}
}

func TestInMemoryRepository_UpdateKeepsImmutableFields(t *testing.T) {
	repo, auditRepo := newTestRepo(t)
	ctx := context.Background()

	u, _ := repo.Create(ctx, &User{WalletAddress: "0xabc", Role: RolePatient, Name: "Ann", PublicKey: "pk"}, createdTrail())

	change := *u
	change.Name = "Ann Lee"
	change.PublicKey = "other"
	change.Role = RoleDoctor
	change.IsVerified = true

	updated, err := repo.Update(ctx, &change, audit.LogEntry{
		ActorID: u.ID, Action: audit.ActionProfileUpdated, EntityType: audit.EntityUser,
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Name != "Ann Lee" {
		t.Errorf("Name = %q", updated.Name)
	}
	if updated.PublicKey != "pk" || updated.Role != RolePatient || updated.IsVerified {
		t.Errorf("immutable fields changed: %+v", updated)
	}

	logs, _ := auditRepo.QueryByUser(ctx, u.ID, 10)
	if len(logs) != 2 || logs[0].Action != audit.ActionProfileUpdated {
		t.Errorf("unexpected audit trail: %d entries", len(logs))
	}

	if _, err := repo.Update(ctx, &User{ID: "missing"}, audit.LogEntry{Action: audit.ActionProfileUpdated, EntityType: audit.EntityUser}); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Update(missing) error = %v", err)
	}
}

func TestInMemoryRepository_PendingDoctorsAndApprove(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { clock = clock.Add(time.Minute); return clock }

	first, _ := repo.Create(ctx, &User{WalletAddress: "0x01", Role: RoleDoctor, Name: "Dr One"}, createdTrail())
	second, _ := repo.Create(ctx, &User{WalletAddress: "0x02", Role: RoleDoctor, Name: "Dr Two"}, createdTrail())
	patient, _ := repo.Create(ctx, &User{WalletAddress: "0x03", Role: RolePatient, Name: "Pat"}, createdTrail())

	pending, err := repo.ListPendingDoctors(ctx)
	if err != nil {
		t.Fatalf("ListPendingDoctors() error = %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Fatalf("unexpected pending list: %+v", pending)
	}

	approved, err := repo.Approve(ctx, first.ID, audit.LogEntry{
		ActorID: "admin", Action: audit.ActionDoctorApproved, EntityType: audit.EntityUser,
	})
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if !approved.IsVerified {
		t.Error("Approve() did not verify doctor")
	}

	pending, _ = repo.ListPendingDoctors(ctx)
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Errorf("approved doctor still pending: %+v", pending)
	}

	_, err = repo.Approve(ctx, patient.ID, audit.LogEntry{ActorID: "admin", Action: audit.ActionDoctorApproved, EntityType: audit.EntityUser})
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Approve(patient) error = %v, want %v", err, ErrUserNotFound)
	}
}

func TestProfileApply(t *testing.T) {
	name := "New Name"
	age := 40
	same := "O+"
	u := &User{Name: "Old", Age: 30, BloodType: "O+"}

	changed := Profile{Name: &name, Age: &age, BloodType: &same}.Apply(u)
	if len(changed) != 2 || changed[0] != "name" || changed[1] != "age" {
		t.Errorf("Apply() changed = %v", changed)
	}
	if u.Name != name || u.Age != age {
		t.Errorf("Apply() result = %+v", u)
	}
}

func TestRoleValid(t *testing.T) {
	if !RolePatient.Valid() || !RoleDoctor.Valid() {
		t.Error("known roles reported invalid")
	}
	if Role("admin").Valid() {
		t.Error("admin should not be a registrable role")
	}
}
