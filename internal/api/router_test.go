package api

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/medledger/internal/audit"
	"github.com/onnwee/medledger/internal/auth"
	"github.com/onnwee/medledger/internal/clock"
	"github.com/onnwee/medledger/internal/grant"
	"github.com/onnwee/medledger/internal/hybrid"
	"github.com/onnwee/medledger/internal/idempotency"
	"github.com/onnwee/medledger/internal/keys"
	"github.com/onnwee/medledger/internal/ledger"
	"github.com/onnwee/medledger/internal/pinning"
	"github.com/onnwee/medledger/internal/record"
	"github.com/onnwee/medledger/internal/user"
)

const (
	testSecret  = "test-session-secret-0123456789abcdef"
	adminWallet = "0x00000000000000000000000000000000000000ad"
	validTxHash = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

var (
	keyOnce    sync.Once
	patientKey *rsa.PrivateKey
	strayKey   *rsa.PrivateKey
)

// testKeys generates the RSA keys once per package run.
func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		if patientKey, err = keys.Generate(2048); err != nil {
			panic(err)
		}
		if strayKey, err = keys.Generate(2048); err != nil {
			panic(err)
		}
	})
	return patientKey, strayKey
}

type testEnv struct {
	handler  http.Handler
	clock    *clock.Fake
	audit    *audit.InMemoryRepository
	users    *user.InMemoryRepository
	records  *record.InMemoryRepository
	sessions *auth.SessionService
	ledger   *ledger.InMemory
}

// newTestEnv wires the full router over in-memory stores. A nil ledger runs
// with the ledger disabled.
func newTestEnv(t *testing.T, chain *ledger.InMemory) *testEnv {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	auditRepo := audit.NewInMemoryRepositoryWithClock(clk.Now)
	users := user.NewInMemoryRepository(auditRepo)
	records := record.NewInMemoryRepository(auditRepo)
	grants := grant.NewInMemoryRepository(auditRepo)

	var ledgerClient ledger.Client = ledger.Disabled{}
	if chain != nil {
		ledgerClient = chain
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ingestion := record.NewIngestion(records, users, pinning.Disabled{}, ledgerClient, nil, logger)
	protocol := grant.NewProtocol(grants, users, records, ledgerClient, clk, nil)
	sessions := auth.NewSessionService(testSecret, 0, auth.NewInMemoryRevocationStore(clk)).WithClock(clk)
	authenticator := auth.NewAuthenticator(auth.NewInMemoryNonceStore(clk), 0, clk, nil)

	handler := NewRouter(RouterConfig{
		Logger:      logger,
		Auth:        NewAuthHandlers(authenticator, sessions, users, auditRepo, false),
		Users:       NewUserHandlers(users),
		Records:     NewRecordHandlers(ingestion, records),
		Access:      NewAccessHandlers(protocol),
		Audit:       NewAuditHandlers(auditRepo),
		Admin:       NewAdminHandlers(users, auditRepo, ledgerClient, adminWallet),
		Ledger:      NewLedgerHandlers(ledgerClient, "https://explorer.test"),
		Health:      NewHealthHandlers(HealthHandlersConfig{}),
		Sessions:    sessions,
		Idempotency: idempotency.NewInMemoryRepository(),
	})

	return &testEnv{
		handler:  handler,
		clock:    clk,
		audit:    auditRepo,
		users:    users,
		records:  records,
		sessions: sessions,
		ledger:   chain,
	}
}

// createUser registers an identity directly in the store.
func (e *testEnv) createUser(t *testing.T, wallet string, role user.Role, publicKey string) *user.User {
	t.Helper()
	u, err := e.users.Create(context.Background(), &user.User{
		WalletAddress: wallet,
		Role:          role,
		Name:          "User " + string(role),
		PublicKey:     publicKey,
		IsVerified:    role == user.RolePatient,
	}, audit.LogEntry{Action: audit.ActionUserCreated, EntityType: audit.EntityUser})
	require.NoError(t, err)
	return u
}

// cookie issues a session cookie for u.
func (e *testEnv) cookie(t *testing.T, u *user.User) *http.Cookie {
	t.Helper()
	token, _, err := e.sessions.Issue(u.WalletAddress, u.ID, string(u.Role))
	require.NoError(t, err)
	return &http.Cookie{Name: auth.SessionCookieName, Value: token}
}

func (e *testEnv) walletCookie(t *testing.T, wallet string) *http.Cookie {
	t.Helper()
	token, _, err := e.sessions.Issue(wallet, "", "")
	require.NoError(t, err)
	return &http.Cookie{Name: auth.SessionCookieName, Value: token}
}

type requestOption func(*http.Request)

func withHeader(key, value string) requestOption {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

func (e *testEnv) do(t *testing.T, method, path string, body any, cookie *http.Cookie, opts ...requestOption) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	for _, opt := range opts {
		opt(req)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[ErrorResponse](t, w).Error.Code
}

type clinicFixture struct {
	patient *user.User
	doctor  *user.User
	other   *user.User
	priv    *rsa.PrivateKey
}

func (e *testEnv) clinic(t *testing.T) clinicFixture {
	t.Helper()
	priv, _ := testKeys(t)
	pub, err := keys.MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	return clinicFixture{
		patient: e.createUser(t, "0x00000000000000000000000000000000000000aa", user.RolePatient, pub),
		doctor:  e.createUser(t, "0x00000000000000000000000000000000000000bb", user.RoleDoctor, ""),
		other:   e.createUser(t, "0x00000000000000000000000000000000000000cc", user.RolePatient, pub),
		priv:    priv,
	}
}

func recordBody(patientID, content, txHash string) map[string]any {
	return map[string]any{
		"patientId":      patientID,
		"hospitalName":   "General Hospital",
		"recordType":     record.TypeLabResult,
		"title":          "Blood pressure check",
		"content":        content,
		"blockchainHash": txHash,
	}
}

func TestScenario_RecordIsReadableOnlyByPatientKey(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.clinic(t)
	_, stray := testKeys(t)

	w := env.do(t, http.MethodPost, "/records", recordBody(c.patient.ID, "BP 120/80", validTxHash), env.cookie(t, c.doctor))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody[RecordResponse](t, w).Record
	assert.Equal(t, c.doctor.ID, created.DoctorID)
	assert.NotEmpty(t, created.IPFSHash)

	w = env.do(t, http.MethodGet, "/records/patient/"+c.patient.ID, nil, env.cookie(t, c.patient))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	records := decodeBody[RecordsResponse](t, w).Records
	require.Len(t, records, 1)

	envelope := records[0].EncryptedContent
	assert.NotContains(t, envelope, "BP 120/80")
	assert.True(t, hybrid.IsEnvelope(envelope))

	plaintext, err := hybrid.DecryptString(envelope, c.priv)
	require.NoError(t, err)
	assert.Equal(t, "BP 120/80", plaintext)

	_, err = hybrid.DecryptString(envelope, stray)
	assert.Error(t, err)
}

func TestScenario_GrantExpires(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.clinic(t)

	w := env.do(t, http.MethodPost, "/access/generate", map[string]any{
		"patientId": c.patient.ID, "durationMinutes": 60,
	}, env.cookie(t, c.patient))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	issued := decodeBody[grant.Issued](t, w)
	require.NotEmpty(t, issued.Grant.Token)
	assert.True(t, strings.HasPrefix(issued.QRData, grant.QRScheme))

	doctorCookie := env.cookie(t, c.doctor)
	w = env.do(t, http.MethodPost, "/access/validate", ValidateAccessRequest{Token: issued.Grant.Token}, doctorCookie)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	redemption := decodeBody[grant.Redemption](t, w)
	assert.Equal(t, c.patient.ID, redemption.Patient.ID)
	assert.Empty(t, redemption.Grant.Token)

	env.clock.Advance(61 * time.Minute)

	w = env.do(t, http.MethodPost, "/access/validate", ValidateAccessRequest{Token: issued.Grant.Token}, env.cookie(t, c.doctor))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, ErrCodeGrantNotFound, errorCode(t, w))
}

func TestScenario_RevokedGrantLooksNeverIssued(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.clinic(t)
	patientCookie := env.cookie(t, c.patient)
	doctorCookie := env.cookie(t, c.doctor)

	w := env.do(t, http.MethodPost, "/access/generate", map[string]any{"patientId": c.patient.ID}, patientCookie)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	issued := decodeBody[grant.Issued](t, w)

	for i := 0; i < 2; i++ {
		w = env.do(t, http.MethodPost, "/access/revoke/"+issued.Grant.ID, nil, patientCookie)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.True(t, decodeBody[SuccessResponse](t, w).Success)
	}

	revoked := env.do(t, http.MethodPost, "/access/validate", ValidateAccessRequest{Token: issued.Grant.Token}, doctorCookie)
	unknown := env.do(t, http.MethodPost, "/access/validate", ValidateAccessRequest{Token: strings.Repeat("f", 64)}, doctorCookie)

	assert.Equal(t, http.StatusUnauthorized, revoked.Code)
	assert.Equal(t, unknown.Code, revoked.Code)
	assert.JSONEq(t, unknown.Body.String(), revoked.Body.String())
}

func TestAccess_RecordViewedNeedsDoctorID(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.clinic(t)
	patientCookie := env.cookie(t, c.patient)

	w := env.do(t, http.MethodPost, "/access/generate", map[string]any{"patientId": c.patient.ID}, patientCookie)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	token := decodeBody[grant.Issued](t, w).Grant.Token

	viewed := func() []*audit.AuditLog {
		logs, err := env.audit.QueryAll(context.Background(), 0)
		require.NoError(t, err)
		var out []*audit.AuditLog
		for _, l := range logs {
			if l.Action == audit.ActionRecordViewed {
				out = append(out, l)
			}
		}
		return out
	}

	w = env.do(t, http.MethodPost, "/access/validate", ValidateAccessRequest{Token: token}, patientCookie)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.do(t, http.MethodPost, "/access/validate", ValidateAccessRequest{Token: token}, env.cookie(t, c.doctor))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, viewed())

	w = env.do(t, http.MethodPost, "/access/validate", ValidateAccessRequest{Token: token, DoctorID: c.doctor.ID}, env.cookie(t, c.doctor))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	entries := viewed()
	require.Len(t, entries, 1)
	assert.Equal(t, c.doctor.ID, entries[0].ActorID)
	assert.Equal(t, c.patient.ID, entries[0].TargetID)
}

func TestAccess_RevokeUnknownGrantIsNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.clinic(t)

	w := env.do(t, http.MethodPost, "/access/revoke/00000000-0000-4000-8000-000000000000", nil, env.cookie(t, c.patient))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrCodeNotFound, errorCode(t, w))
}

func TestScenario_RecordWithoutLedgerProofIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.clinic(t)

	before, err := env.audit.QueryAll(context.Background(), 0)
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/records", recordBody(c.patient.ID, "BP 120/80", ""), env.cookie(t, c.doctor))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrCodeMissingLedgerProof, errorCode(t, w))

	stored, err := env.records.ListByPatient(context.Background(), c.patient.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)

	after, err := env.audit.QueryAll(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestRecords_Authorization(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.clinic(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		cookie     *http.Cookie
		wantStatus int
		wantCode   string
	}{
		{
			name: "anonymous list", method: http.MethodGet, path: "/records/patient/" + c.patient.ID,
			wantStatus: http.StatusUnauthorized, wantCode: ErrCodeSessionRequired,
		},
		{
			name: "other patient list", method: http.MethodGet, path: "/records/patient/" + c.patient.ID,
			cookie: env.cookie(t, c.other), wantStatus: http.StatusForbidden, wantCode: ErrCodeForbidden,
		},
		{
			name: "doctor list", method: http.MethodGet, path: "/records/patient/" + c.patient.ID,
			cookie: env.cookie(t, c.doctor), wantStatus: http.StatusOK,
		},
		{
			name: "patient create", method: http.MethodPost, path: "/records",
			body:   recordBody(c.patient.ID, "note", validTxHash),
			cookie: env.cookie(t, c.patient), wantStatus: http.StatusForbidden, wantCode: ErrCodeForbidden,
		},
		{
			name: "doctor impersonation", method: http.MethodPost, path: "/records",
			body: func() map[string]any {
				b := recordBody(c.patient.ID, "note", validTxHash)
				b["doctorId"] = c.other.ID
				return b
			}(),
			cookie: env.cookie(t, c.doctor), wantStatus: http.StatusForbidden, wantCode: ErrCodeForbidden,
		},
		{
			name: "unknown patient", method: http.MethodPost, path: "/records",
			body:   recordBody("missing", "note", validTxHash),
			cookie: env.cookie(t, c.doctor), wantStatus: http.StatusNotFound, wantCode: ErrCodeNotFound,
		},
		{
			name: "bad fields", method: http.MethodPost, path: "/records",
			body:   map[string]any{"patientId": c.patient.ID, "recordType": "xray", "title": "x", "content": "n", "blockchainHash": "0x12"},
			cookie: env.cookie(t, c.doctor), wantStatus: http.StatusBadRequest, wantCode: ErrCodeValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body, tt.cookie)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, errorCode(t, w))
			}
		})
	}
}

func TestRecords_FailedLedgerTransactionIsRejected(t *testing.T) {
	chain := ledger.NewInMemory()
	env := newTestEnv(t, chain)
	c := env.clinic(t)

	chain.SetTransaction(validTxHash, ledger.TxFailed)
	w := env.do(t, http.MethodPost, "/records", recordBody(c.patient.ID, "BP 120/80", validTxHash), env.cookie(t, c.doctor))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, ErrCodeLedgerProofRejected, errorCode(t, w))

	chain.SetFailing(ledger.ErrUnavailable)
	w = env.do(t, http.MethodPost, "/records", recordBody(c.patient.ID, "BP 120/80", validTxHash), env.cookie(t, c.doctor))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, ErrCodeLedgerUnavailable, errorCode(t, w))
}

func TestRecords_IdempotentReplay(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.clinic(t)
	body := recordBody(c.patient.ID, "BP 120/80", validTxHash)
	key := withHeader("Idempotency-Key", "record-create-1")

	first := env.do(t, http.MethodPost, "/records", body, env.cookie(t, c.doctor), key)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := env.do(t, http.MethodPost, "/records", body, env.cookie(t, c.doctor), key)
	require.Equal(t, http.StatusCreated, second.Code)

	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	stored, err := env.records.ListByPatient(context.Background(), c.patient.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestAccess_OwnershipChecks(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.clinic(t)

	w := env.do(t, http.MethodPost, "/access/generate", map[string]any{"patientId": c.patient.ID}, env.cookie(t, c.other))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/access/generate", map[string]any{"patientId": c.patient.ID, "maxUses": 1}, env.cookie(t, c.patient))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	issued := decodeBody[grant.Issued](t, w)

	w = env.do(t, http.MethodPost, "/access/revoke/"+issued.Grant.ID, nil, env.cookie(t, c.other))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/access/validate", ValidateAccessRequest{Token: issued.Grant.Token, DoctorID: c.other.ID}, env.cookie(t, c.doctor))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/access/patient/"+c.patient.ID, nil, env.cookie(t, c.other))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/access/patient/"+c.patient.ID, nil, env.cookie(t, c.patient))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	grants := decodeBody[GrantsResponse](t, w).Grants
	require.Len(t, grants, 1)
	assert.Equal(t, issued.Grant.Token, grants[0].Token)

	// A single-use grant is spent by its first redemption.
	w = env.do(t, http.MethodPost, "/access/validate", ValidateAccessRequest{Token: issued.Grant.Token}, env.cookie(t, c.doctor))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = env.do(t, http.MethodPost, "/access/validate", ValidateAccessRequest{Token: issued.Grant.Token}, env.cookie(t, c.doctor))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_WalletSignInAndRegistration(t *testing.T) {
	env := newTestEnv(t, nil)
	priv, _ := testKeys(t)
	rsaPub, err := keys.MarshalPublicKey(&priv.PublicKey)
	require.NoError(t, err)

	walletKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	wallet := strings.ToLower(crypto.PubkeyToAddress(walletKey.PublicKey).Hex())

	w := env.do(t, http.MethodPost, "/auth/generate-nonce", NonceRequest{WalletAddress: wallet}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	challenge := decodeBody[NonceResponse](t, w)

	signature, err := auth.SignMessage(walletKey, challenge.Message)
	require.NoError(t, err)

	// Replaying a signature over the wrong message fails without detail.
	w = env.do(t, http.MethodPost, "/auth/verify-signature", VerifySignatureRequest{
		WalletAddress: wallet, Message: challenge.Message + " ", Signature: signature,
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, ErrCodeInvalidSignature, errorCode(t, w))

	w = env.do(t, http.MethodPost, "/auth/generate-nonce", NonceRequest{WalletAddress: wallet}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	challenge = decodeBody[NonceResponse](t, w)
	signature, err = auth.SignMessage(walletKey, challenge.Message)
	require.NoError(t, err)

	w = env.do(t, http.MethodPost, "/auth/verify-signature", VerifySignatureRequest{
		WalletAddress: wallet, Message: challenge.Message, Signature: signature,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	verified := decodeBody[VerifySignatureResponse](t, w)
	assert.True(t, verified.Verified)
	assert.False(t, verified.Exists)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	sessionCookie := cookies[0]
	assert.True(t, sessionCookie.HttpOnly)

	register := RegisterRequest{
		WalletAddress: wallet,
		Role:          "patient",
		Name:          "Ada Lovelace",
		Gender:        "female",
		Age:           36,
		BloodType:     "O+",
		PublicKey:     rsaPub,
	}

	w = env.do(t, http.MethodPost, "/auth/wallet", register, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, ErrCodeWalletNotVerified, errorCode(t, w))

	w = env.do(t, http.MethodPost, "/auth/wallet", register, sessionCookie)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeBody[UserResponse](t, w).User
	assert.Equal(t, wallet, created.WalletAddress)
	assert.True(t, created.IsVerified)

	cookies = w.Result().Cookies()
	require.Len(t, cookies, 1)
	boundCookie := cookies[0]

	w = env.do(t, http.MethodGet, "/auth/session", nil, boundCookie)
	require.Equal(t, http.StatusOK, w.Code)
	session := decodeBody[SessionResponse](t, w)
	assert.True(t, session.Authenticated)
	require.NotNil(t, session.User)
	assert.Equal(t, created.ID, session.User.ID)

	// Registering again returns the existing identity.
	w = env.do(t, http.MethodPost, "/auth/wallet", register, boundCookie)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/auth/logout", nil, boundCookie)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodGet, "/auth/session", nil, boundCookie)
	assert.False(t, decodeBody[SessionResponse](t, w).Authenticated)
}

func TestAuth_RegistrationValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	wallet := "0x00000000000000000000000000000000000000dd"

	w := env.do(t, http.MethodPost, "/auth/wallet", RegisterRequest{
		WalletAddress: wallet, Role: "patient", Name: "X", Gender: "unknown", Age: 0,
	}, env.walletCookie(t, wallet))
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	resp := decodeBody[ErrorResponse](t, w)
	fields := map[string]bool{}
	for _, d := range resp.Error.Details {
		fields[d.Field] = true
	}
	for _, want := range []string{"name", "gender", "age", "publicKey"} {
		assert.True(t, fields[want], "expected a %s detail in %+v", want, resp.Error.Details)
	}
}

func TestUsers_ProfileUpdate(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.clinic(t)

	w := env.do(t, http.MethodGet, "/users/"+c.patient.WalletAddress, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/users/not-a-wallet", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPatch, "/users/"+c.patient.ID, map[string]any{"allergies": "penicillin"}, env.cookie(t, c.other))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPatch, "/users/"+c.patient.ID, map[string]any{"allergies": "penicillin"}, env.cookie(t, c.patient))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "penicillin", decodeBody[UserResponse](t, w).User.Allergies)

	logs, err := env.audit.QueryByUser(context.Background(), c.patient.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, audit.ActionProfileUpdated, logs[0].Action)
}

func TestAudit_OwnTrailAndExport(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.clinic(t)

	w := env.do(t, http.MethodPost, "/records", recordBody(c.patient.ID, "BP 120/80", validTxHash), env.cookie(t, c.doctor))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/audit/"+c.patient.ID, nil, env.cookie(t, c.other))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/audit/"+c.patient.ID+"?limit=0", nil, env.cookie(t, c.patient))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/audit/"+c.doctor.ID, nil, env.cookie(t, c.doctor))
	require.Equal(t, http.StatusOK, w.Code)
	logs := decodeBody[AuditLogsResponse](t, w).Logs
	require.NotEmpty(t, logs)
	assert.Equal(t, audit.ActionRecordAdded, logs[0].Action)

	w = env.do(t, http.MethodGet, "/audit/"+c.doctor.ID+"?format=csv", nil, env.cookie(t, c.doctor))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Disposition"), ".csv")
	assert.Contains(t, w.Body.String(), string(audit.ActionRecordAdded))
}

func TestAdmin_RequiresAdminWallet(t *testing.T) {
	chain := ledger.NewInMemory()
	env := newTestEnv(t, chain)
	c := env.clinic(t)
	admin := env.walletCookie(t, "0x"+strings.ToUpper(adminWallet[2:]))

	w := env.do(t, http.MethodGet, "/admin/doctors/pending", nil, env.cookie(t, c.doctor))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/admin/doctors/pending", nil, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	pending := decodeBody[UsersResponse](t, w).Users
	require.Len(t, pending, 1)
	assert.Equal(t, c.doctor.ID, pending[0].ID)

	chain.SetTransaction(validTxHash, ledger.TxFailed)
	w = env.do(t, http.MethodPost, "/admin/approve-doctor", ApproveDoctorRequest{UserID: c.doctor.ID, TxHash: validTxHash}, admin)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	chain.SetTransaction(validTxHash, ledger.TxConfirmed)
	w = env.do(t, http.MethodPost, "/admin/approve-doctor", ApproveDoctorRequest{UserID: c.doctor.ID, TxHash: validTxHash}, admin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	approved, err := env.users.GetByID(context.Background(), c.doctor.ID)
	require.NoError(t, err)
	assert.True(t, approved.IsVerified)

	w = env.do(t, http.MethodGet, "/admin/audit/verify", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	status := decodeBody[ChainStatusResponse](t, w)
	assert.True(t, status.Valid, status.Error)
	assert.Positive(t, status.Entries)

	w = env.do(t, http.MethodGet, "/admin/audit/export?format=json", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(audit.ActionDoctorApproved))
}

func TestLedger_StatusAndVerify(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, nil)

		w := env.do(t, http.MethodGet, "/ledger/status", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.False(t, decodeBody[ledger.Info](t, w).Configured)

		w = env.do(t, http.MethodGet, "/ledger/verify/"+validTxHash, nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("configured", func(t *testing.T) {
		chain := ledger.NewInMemory()
		env := newTestEnv(t, chain)
		chain.SetTransaction(validTxHash, ledger.TxConfirmed)

		w := env.do(t, http.MethodGet, "/ledger/verify/"+validTxHash, nil, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		tx := decodeBody[TxVerification](t, w)
		assert.Equal(t, ledger.TxConfirmed, tx.Status)
		assert.Contains(t, tx.ExplorerURL, validTxHash)

		w = env.do(t, http.MethodGet, "/ledger/verify/0xnothex", nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rpc without registry", func(t *testing.T) {
		chain := ledger.NewInMemory()
		chain.SetRegistry(false)
		env := newTestEnv(t, chain)
		c := env.clinic(t)
		admin := env.walletCookie(t, adminWallet)
		chain.SetTransaction(validTxHash, ledger.TxFailed)

		w := env.do(t, http.MethodGet, "/ledger/status", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.False(t, decodeBody[ledger.Info](t, w).Configured)

		w = env.do(t, http.MethodGet, "/ledger/verify/"+validTxHash, nil, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, ledger.TxFailed, decodeBody[TxVerification](t, w).Status)

		w = env.do(t, http.MethodPost, "/admin/approve-doctor", ApproveDoctorRequest{UserID: c.doctor.ID, TxHash: validTxHash}, admin)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})
}

func TestRouter_RootAndUnknownPaths(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ServiceName, decodeBody[map[string]string](t, w)["service"])

	w = env.do(t, http.MethodGet, "/api/nothing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, ErrCodeNotFound, errorCode(t, w))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
