package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/medledger/internal/audit"
	"github.com/onnwee/medledger/internal/auth"
	"github.com/onnwee/medledger/internal/keys"
	"github.com/onnwee/medledger/internal/middleware"
	"github.com/onnwee/medledger/internal/user"
	"github.com/onnwee/medledger/internal/validate"
)

// NonceRequest is the body of POST /auth/generate-nonce.
type NonceRequest struct {
	WalletAddress string `json:"walletAddress"`
}

// NonceResponse carries the challenge the wallet must sign.
type NonceResponse struct {
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// VerifySignatureRequest is the body of POST /auth/verify-signature.
type VerifySignatureRequest struct {
	WalletAddress string `json:"walletAddress"`
	Message       string `json:"message"`
	Signature     string `json:"signature"`
}

// VerifySignatureResponse reports the verified wallet and its identity, if registered.
type VerifySignatureResponse struct {
	Verified bool       `json:"verified"`
	User     *user.User `json:"user"`
	Exists   bool       `json:"exists"`
}

// RegisterRequest is the body of POST /auth/wallet.
type RegisterRequest struct {
	WalletAddress  string `json:"walletAddress"`
	Role           string `json:"role"`
	Name           string `json:"name"`
	Gender         string `json:"gender"`
	Age            int    `json:"age"`
	BloodType      string `json:"bloodType,omitempty"`
	Allergies      string `json:"allergies,omitempty"`
	LicenseNumber  string `json:"licenseNumber,omitempty"`
	Specialization string `json:"specialization,omitempty"`
	HospitalName   string `json:"hospitalName,omitempty"`
	PublicKey      string `json:"publicKey"`
}

// UserResponse wraps a single identity.
type UserResponse struct {
	User *user.User `json:"user"`
}

// SessionResponse describes the caller's session.
type SessionResponse struct {
	Authenticated  bool       `json:"authenticated"`
	VerifiedWallet string     `json:"verifiedWallet,omitempty"`
	User           *user.User `json:"user"`
}

// SuccessResponse is returned by operations with no other result.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// AuthHandlers serves the wallet challenge, registration and session routes.
type AuthHandlers struct {
	authenticator *auth.Authenticator
	sessions      *auth.SessionService
	users         user.Repository
	auditRepo     audit.Repository
	secureCookie  bool
}

// NewAuthHandlers creates AuthHandlers. secureCookie marks the session cookie
// Secure and should be set in production.
func NewAuthHandlers(authenticator *auth.Authenticator, sessions *auth.SessionService, users user.Repository, auditRepo audit.Repository, secureCookie bool) *AuthHandlers {
	return &AuthHandlers{
		authenticator: authenticator,
		sessions:      sessions,
		users:         users,
		auditRepo:     auditRepo,
		secureCookie:  secureCookie,
	}
}

// GenerateNonce handles POST /auth/generate-nonce.
func (h *AuthHandlers) GenerateNonce(w http.ResponseWriter, r *http.Request) {
	var req NonceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	challenge, err := h.authenticator.IssueNonce(r.Context(), req.WalletAddress)
	if errors.Is(err, auth.ErrInvalidAddress) {
		WriteValidationError(w, r.Context(), validate.Errors{{Field: "walletAddress", Message: err.Error()}})
		return
	}
	if err != nil {
		writeInternal(w, r, err, "Failed to generate nonce")
		return
	}

	writeJSON(w, r, http.StatusOK, NonceResponse{
		Nonce:     challenge.Nonce,
		Message:   challenge.Message,
		ExpiresAt: challenge.ExpiresAt,
	})
}

// VerifySignature handles POST /auth/verify-signature. On success the session
// cookie is reissued for the wallet and bound to its identity when one exists.
func (h *AuthHandlers) VerifySignature(w http.ResponseWriter, r *http.Request) {
	var req VerifySignatureRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	address, err := h.authenticator.Verify(r.Context(), req.WalletAddress, req.Message, req.Signature)
	switch {
	case errors.Is(err, auth.ErrMissingFields):
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "walletAddress, message and signature are required")
		return
	case errors.Is(err, auth.ErrInvalidSignature):
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeInvalidSignature)
		WriteError(w, ctx, http.StatusUnauthorized, ErrCodeInvalidSignature, "Signature verification failed")
		return
	case err != nil:
		writeInternal(w, r, err, "Failed to verify signature")
		return
	}

	existing, err := h.users.GetByWallet(r.Context(), address)
	if err != nil && !errors.Is(err, user.ErrUserNotFound) {
		writeInternal(w, r, err, "Failed to load user")
		return
	}

	var userID, role string
	if existing != nil {
		userID, role = existing.ID, string(existing.Role)
	}
	if !h.issueSession(w, r, address, userID, role) {
		return
	}

	if existing != nil {
		entry := audit.WithRequest(r, audit.LogEntry{
			ActorID:    existing.ID,
			TargetID:   existing.ID,
			Action:     audit.ActionLoginSuccess,
			EntityType: audit.EntityUser,
		})
		if _, err := audit.Log(r.Context(), h.auditRepo, entry); err != nil {
			slog.ErrorContext(r.Context(), "failed to audit login", "user_id", existing.ID, "error", err)
		}
	}

	writeJSON(w, r, http.StatusOK, VerifySignatureResponse{
		Verified: true,
		User:     existing,
		Exists:   existing != nil,
	})
}

// Register handles POST /auth/wallet. The session must have verified the
// wallet being registered. Registering an existing wallet returns it unchanged.
func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session := middleware.GetSession(r.Context())
	if session == nil || !strings.EqualFold(session.Wallet, strings.TrimSpace(req.WalletAddress)) {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeWalletNotVerified)
		WriteError(w, ctx, http.StatusForbidden, ErrCodeWalletNotVerified, "Wallet has not been verified in this session")
		return
	}

	existing, err := h.users.GetByWallet(r.Context(), session.Wallet)
	if err == nil {
		if !h.issueSession(w, r, session.Wallet, existing.ID, string(existing.Role)) {
			return
		}
		writeJSON(w, r, http.StatusOK, UserResponse{User: existing})
		return
	}
	if !errors.Is(err, user.ErrUserNotFound) {
		writeInternal(w, r, err, "Failed to load user")
		return
	}

	u, fields := validateRegistration(req)
	if len(fields) > 0 {
		WriteValidationError(w, r.Context(), fields)
		return
	}
	u.WalletAddress = strings.ToLower(session.Wallet)

	entry := audit.WithRequest(r, audit.LogEntry{
		Action:     audit.ActionUserCreated,
		EntityType: audit.EntityUser,
		Metadata:   map[string]any{"role": string(u.Role)},
	})
	created, err := h.users.Create(r.Context(), u, entry)
	if errors.Is(err, user.ErrWalletExists) {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeConflict)
		WriteError(w, ctx, http.StatusConflict, ErrCodeConflict, "Wallet address already registered")
		return
	}
	if err != nil {
		writeInternal(w, r, err, "Failed to create user")
		return
	}

	if !h.issueSession(w, r, session.Wallet, created.ID, string(created.Role)) {
		return
	}
	slog.InfoContext(r.Context(), "user registered", "user_id", created.ID, "role", created.Role)
	writeJSON(w, r, http.StatusCreated, UserResponse{User: created})
}

// Logout handles POST /auth/logout.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	if session := middleware.GetSession(r.Context()); session != nil {
		if err := h.sessions.Revoke(r.Context(), session); err != nil {
			slog.WarnContext(r.Context(), "failed to revoke session", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, r, http.StatusOK, SuccessResponse{Success: true})
}

// Session handles GET /auth/session.
func (h *AuthHandlers) Session(w http.ResponseWriter, r *http.Request) {
	session := middleware.GetSession(r.Context())
	resp := SessionResponse{}
	if session != nil {
		resp.VerifiedWallet = session.Wallet
	}
	if session.Authenticated() {
		u, err := h.users.GetByID(r.Context(), session.UserID)
		switch {
		case err == nil:
			resp.Authenticated = true
			resp.User = u
		case !errors.Is(err, user.ErrUserNotFound):
			writeInternal(w, r, err, "Failed to load user")
			return
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// issueSession signs a session and sets the cookie. It writes the error
// response itself on failure.
func (h *AuthHandlers) issueSession(w http.ResponseWriter, r *http.Request, wallet, userID, role string) bool {
	token, session, err := h.sessions.Issue(wallet, userID, role)
	if err != nil {
		writeInternal(w, r, err, "Failed to issue session")
		return false
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		MaxAge:   int(time.Until(session.ExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	if userID != "" {
		middleware.SetUserID(r.Context(), userID)
	}
	return true
}

var (
	genders    = []string{"male", "female", "other"}
	bloodTypes = []string{"A+", "A-", "B+", "B-", "AB+", "AB-", "O+", "O-"}
)

// Limits on optional profile text.
const (
	maxAllergiesLength      = 1000
	maxSpecializationLength = 200
	maxLicenseNumberLength  = 100
	minAge                  = 1
	maxAge                  = 150
)

// validateRegistration checks every field of req and returns the identity to create.
func validateRegistration(req RegisterRequest) (*user.User, validate.Errors) {
	var errs validate.Errors
	u := &user.User{Role: user.Role(req.Role)}

	if !u.Role.Valid() {
		errs.Addf("role", "must be one of patient, doctor")
	}

	var err error
	u.Name, err = validate.PersonName(req.Name)
	errs.Add("name", err)
	u.Gender, err = validate.OneOf(req.Gender, genders...)
	errs.Add("gender", err)
	if req.Age < minAge || req.Age > maxAge {
		errs.Addf("age", "must be between 1 and 150")
	}
	u.Age = req.Age

	if req.BloodType != "" {
		u.BloodType, err = validate.OneOf(req.BloodType, bloodTypes...)
		errs.Add("bloodType", err)
	}
	u.Allergies, err = validate.OptionalText(req.Allergies, maxAllergiesLength)
	errs.Add("allergies", err)
	u.LicenseNumber, err = validate.OptionalText(req.LicenseNumber, maxLicenseNumberLength)
	errs.Add("licenseNumber", err)
	u.Specialization, err = validate.OptionalText(req.Specialization, maxSpecializationLength)
	errs.Add("specialization", err)
	if strings.TrimSpace(req.HospitalName) != "" {
		u.HospitalName, err = validate.HospitalName(req.HospitalName)
		errs.Add("hospitalName", err)
	}

	publicKey := strings.TrimSpace(req.PublicKey)
	switch {
	case publicKey == "" && u.Role == user.RolePatient:
		errs.Addf("publicKey", "is required for patients")
	case publicKey != "":
		if _, err := keys.ParsePublicKey(publicKey); err != nil {
			errs.Add("publicKey", err)
		}
	}
	u.PublicKey = publicKey
	u.IsVerified = u.Role == user.RolePatient

	return u, errs
}
