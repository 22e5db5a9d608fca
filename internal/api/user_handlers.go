package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/medledger/internal/audit"
	"github.com/onnwee/medledger/internal/middleware"
	"github.com/onnwee/medledger/internal/user"
	"github.com/onnwee/medledger/internal/validate"
)

// UpdateProfileRequest is the body of PATCH /users/{userId}. Omitted fields
// are left unchanged. Wallet, role, public key and verification are not patchable.
type UpdateProfileRequest struct {
	Name           *string `json:"name,omitempty"`
	Gender         *string `json:"gender,omitempty"`
	Age            *int    `json:"age,omitempty"`
	BloodType      *string `json:"bloodType,omitempty"`
	Allergies      *string `json:"allergies,omitempty"`
	Specialization *string `json:"specialization,omitempty"`
	HospitalName   *string `json:"hospitalName,omitempty"`
}

// UserHandlers serves identity lookups and profile updates.
type UserHandlers struct {
	users user.Repository
}

// NewUserHandlers creates UserHandlers.
func NewUserHandlers(users user.Repository) *UserHandlers {
	return &UserHandlers{users: users}
}

// GetByWallet handles GET /users/{walletAddress}.
func (h *UserHandlers) GetByWallet(w http.ResponseWriter, r *http.Request) {
	address, err := validate.WalletAddress(r.PathValue("walletAddress"))
	if err != nil {
		WriteValidationError(w, r.Context(), validate.Errors{{Field: "walletAddress", Message: err.Error()}})
		return
	}

	u, err := h.users.GetByWallet(r.Context(), address)
	if errors.Is(err, user.ErrUserNotFound) {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "User not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err, "Failed to load user")
		return
	}
	writeJSON(w, r, http.StatusOK, UserResponse{User: u})
}

// UpdateProfile handles PATCH /users/{userId}. Callers may only edit themselves.
func (h *UserHandlers) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if callerID(r) != userID {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeForbidden)
		WriteError(w, ctx, http.StatusForbidden, ErrCodeForbidden, "You can only update your own profile")
		return
	}

	var req UpdateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	profile, fields := validateProfile(req)
	if len(fields) > 0 {
		WriteValidationError(w, r.Context(), fields)
		return
	}

	u, err := h.users.GetByID(r.Context(), userID)
	if errors.Is(err, user.ErrUserNotFound) {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
		WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "User not found")
		return
	}
	if err != nil {
		writeInternal(w, r, err, "Failed to load user")
		return
	}

	changed := profile.Apply(u)
	if len(changed) == 0 {
		writeJSON(w, r, http.StatusOK, UserResponse{User: u})
		return
	}

	entry := audit.WithRequest(r, audit.LogEntry{
		ActorID:    userID,
		TargetID:   userID,
		Action:     audit.ActionProfileUpdated,
		EntityType: audit.EntityUser,
		Metadata:   map[string]any{"fields": changed},
	})
	updated, err := h.users.Update(r.Context(), u, entry)
	if err != nil {
		writeInternal(w, r, err, "Failed to update profile")
		return
	}
	writeJSON(w, r, http.StatusOK, UserResponse{User: updated})
}

// validateProfile normalizes the fields present in req.
func validateProfile(req UpdateProfileRequest) (user.Profile, validate.Errors) {
	var errs validate.Errors
	var p user.Profile

	text := func(field string, src *string, check func(string) (string, error)) *string {
		if src == nil {
			return nil
		}
		v, err := check(*src)
		if err != nil {
			errs.Add(field, err)
			return nil
		}
		return &v
	}

	p.Name = text("name", req.Name, validate.PersonName)
	p.Gender = text("gender", req.Gender, func(s string) (string, error) {
		return validate.OneOf(s, genders...)
	})
	p.BloodType = text("bloodType", req.BloodType, func(s string) (string, error) {
		if s == "" {
			return "", nil
		}
		return validate.OneOf(s, bloodTypes...)
	})
	p.Allergies = text("allergies", req.Allergies, func(s string) (string, error) {
		return validate.OptionalText(s, maxAllergiesLength)
	})
	p.Specialization = text("specialization", req.Specialization, func(s string) (string, error) {
		return validate.OptionalText(s, maxSpecializationLength)
	})
	p.HospitalName = text("hospitalName", req.HospitalName, func(s string) (string, error) {
		if strings.TrimSpace(s) == "" {
			return "", nil
		}
		return validate.HospitalName(s)
	})

	if req.Age != nil {
		if *req.Age < minAge || *req.Age > maxAge {
			errs.Addf("age", "must be between 1 and 150")
		} else {
			p.Age = req.Age
		}
	}
	return p, errs
}
