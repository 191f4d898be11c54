package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/pufftrack/backend/internal/auth"
	"github.com/pufftrack/backend/internal/realtime"
	"github.com/pufftrack/backend/internal/store"
)

type testServer struct {
	handler http.Handler
	store   *store.Store
	tokens  *auth.TokenIssuer
	hub     *realtime.Hub
}

type stubGoogleVerifier struct {
	claims auth.GoogleClaims
	err    error
}

func (v *stubGoogleVerifier) Verify(context.Context, string) (auth.GoogleClaims, error) {
	return v.claims, v.err
}

func newTestServer(t *testing.T, verifier GoogleVerifier, authRate rate.Limit, authBurst int) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&store.User{}, &store.Puff{}, &store.FriendEdge{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	st, err := store.New(store.Config{Database: db, IDProvider: store.NewIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}

	hub, err := realtime.NewHub(realtime.HubConfig{
		Store:    st,
		Registry: realtime.NewRegistry(),
		Guard:    realtime.NewGuard(time.Minute, 1000, nil),
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}

	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "pufftrack-auth",
		Audience:      "pufftrack-api",
		TokenTTL:      time.Hour,
	})

	handler, err := NewHTTPHandler(Dependencies{
		GoogleVerifier: verifier,
		TokenManager:   tokens,
		PasswordHasher: auth.NewPasswordHasherWithCost(bcrypt.MinCost),
		Store:          st,
		Hub:            hub,
		AuthRate:       authRate,
		AuthBurst:      authBurst,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	return &testServer{handler: handler, store: st, tokens: tokens, hub: hub}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	request := httptest.NewRequest(method, path, reader)
	request.RemoteAddr = "192.0.2.1:50000"
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func (s *testServer) registerUser(t *testing.T, name, email string) sessionResponse {
	t.Helper()
	recorder := s.do(t, http.MethodPost, "/register", "", registerPayload{
		Name:     name,
		Email:    email,
		Password: "secret-password",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("registration failed with status %d: %s", recorder.Code, recorder.Body.String())
	}
	var session sessionResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &session); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}
	return session
}

func TestRegisterIssuesValidSession(t *testing.T) {
	server := newTestServer(t, nil, 100, 100)

	session := server.registerUser(t, "Ada", "ada@example.com")
	if session.TokenType != "Bearer" {
		t.Fatalf("expected Bearer token type, got %q", session.TokenType)
	}
	if len(session.User.ID) != 6 {
		t.Fatalf("expected a 6-character user id, got %q", session.User.ID)
	}

	subject, err := server.tokens.ValidateToken(session.AccessToken)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if subject != session.User.ID {
		t.Fatalf("token subject %q does not match user %q", subject, session.User.ID)
	}
}

func TestRegisterValidation(t *testing.T) {
	server := newTestServer(t, nil, 100, 100)

	cases := []struct {
		name    string
		payload registerPayload
	}{
		{"short name", registerPayload{Name: "A", Email: "a@example.com", Password: "secret-password"}},
		{"bad email", registerPayload{Name: "Ada", Email: "not-an-email", Password: "secret-password"}},
		{"short password", registerPayload{Name: "Ada", Email: "ada@example.com", Password: "tiny"}},
	}
	for _, tc := range cases {
		recorder := server.do(t, http.MethodPost, "/register", "", tc.payload)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, recorder.Code)
		}
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	server := newTestServer(t, nil, 100, 100)
	server.registerUser(t, "Ada", "ada@example.com")

	recorder := server.do(t, http.MethodPost, "/register", "", registerPayload{
		Name:     "Imposter",
		Email:    "Ada@Example.com",
		Password: "secret-password",
	})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for reused email, got %d", recorder.Code)
	}
}

func TestLoginFlow(t *testing.T) {
	server := newTestServer(t, nil, 100, 100)
	server.registerUser(t, "Ada", "ada@example.com")

	recorder := server.do(t, http.MethodPost, "/login", "", loginPayload{
		Email:    "ada@example.com",
		Password: "secret-password",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("login failed with status %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = server.do(t, http.MethodPost, "/login", "", loginPayload{
		Email:    "ada@example.com",
		Password: "wrong-password",
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", recorder.Code)
	}

	recorder = server.do(t, http.MethodPost, "/login", "", loginPayload{
		Email:    "ghost@example.com",
		Password: "secret-password",
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown email, got %d", recorder.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := newTestServer(t, nil, 100, 100)

	if recorder := server.do(t, http.MethodGet, "/me", "", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", recorder.Code)
	}
	if recorder := server.do(t, http.MethodGet, "/me", "garbage-token", nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a bad token, got %d", recorder.Code)
	}

	session := server.registerUser(t, "Ada", "ada@example.com")
	if recorder := server.do(t, http.MethodGet, "/validate-token", session.AccessToken, nil); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d", recorder.Code)
	}
}

func TestMeReturnsSnapshot(t *testing.T) {
	server := newTestServer(t, nil, 100, 100)
	session := server.registerUser(t, "Ada", "ada@example.com")

	recorder := server.do(t, http.MethodGet, "/me", session.AccessToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var snapshot realtime.Snapshot
	if err := json.Unmarshal(recorder.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snapshot.User.ID != session.User.ID || snapshot.User.Name != "Ada" {
		t.Fatalf("unexpected snapshot profile: %+v", snapshot.User)
	}
}

func TestRenamePropagatesToSnapshot(t *testing.T) {
	server := newTestServer(t, nil, 100, 100)
	session := server.registerUser(t, "Ada", "ada@example.com")

	recorder := server.do(t, http.MethodPatch, "/me", session.AccessToken, renamePayload{Name: "Ada Lovelace"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("rename failed with status %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = server.do(t, http.MethodGet, "/me", session.AccessToken, nil)
	var snapshot realtime.Snapshot
	if err := json.Unmarshal(recorder.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("failed to decode snapshot: %v", err)
	}
	if snapshot.User.Name != "Ada Lovelace" {
		t.Fatalf("rename not reflected: %+v", snapshot.User)
	}

	recorder = server.do(t, http.MethodPatch, "/me", session.AccessToken, renamePayload{Name: "A"})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid name, got %d", recorder.Code)
	}
}

func TestDeleteAccountRemovesEverything(t *testing.T) {
	server := newTestServer(t, nil, 100, 100)
	session := server.registerUser(t, "Ada", "ada@example.com")

	recorder := server.do(t, http.MethodDelete, "/me", session.AccessToken, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("deletion failed with status %d: %s", recorder.Code, recorder.Body.String())
	}

	// The token is still cryptographically valid; the account is gone.
	recorder = server.do(t, http.MethodGet, "/me", session.AccessToken, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after deletion, got %d", recorder.Code)
	}
}

func TestRemoveFriend(t *testing.T) {
	server := newTestServer(t, nil, 100, 100)
	ctx := context.Background()

	ada := server.registerUser(t, "Ada", "ada@example.com")
	bob := server.registerUser(t, "Bob", "bob@example.com")

	recorder := server.do(t, http.MethodPost, "/friends/remove", ada.AccessToken,
		removeFriendPayload{FriendID: bob.User.ID})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a friendship, got %d", recorder.Code)
	}

	edge, err := server.store.CreateFriendEdge(ctx, ada.User.ID, bob.User.ID)
	if err != nil {
		t.Fatalf("failed to create edge: %v", err)
	}
	if err := server.store.UpdateFriendEdgeStatus(ctx, edge.ID, store.EdgeStatusAccepted); err != nil {
		t.Fatalf("failed to accept edge: %v", err)
	}

	recorder = server.do(t, http.MethodPost, "/friends/remove", bob.AccessToken,
		removeFriendPayload{FriendID: ada.User.ID})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unfriend failed with status %d: %s", recorder.Code, recorder.Body.String())
	}

	edges, err := server.store.ListFriendEdges(ctx, ada.User.ID, store.EdgeDirectionEither, store.EdgeStatusAccepted)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(edges) != 0 {
		t.Fatalf("friendship should be gone, got %v", edges)
	}
}

func TestGoogleSignInCreatesAndReusesAccount(t *testing.T) {
	verifier := &stubGoogleVerifier{claims: auth.GoogleClaims{
		Subject: "google-sub-1",
		Email:   "ada@gmail.example",
		Name:    "Ada",
	}}
	server := newTestServer(t, verifier, 100, 100)

	recorder := server.do(t, http.MethodPost, "/auth/google", "", googleAuthPayload{IDToken: "stub-token"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("google sign-in failed with status %d: %s", recorder.Code, recorder.Body.String())
	}
	var first sessionResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &first); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}

	recorder = server.do(t, http.MethodPost, "/auth/google", "", googleAuthPayload{IDToken: "stub-token"})
	var second sessionResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &second); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}
	if first.User.ID != second.User.ID {
		t.Fatalf("repeat sign-in must reuse the account: %q vs %q", first.User.ID, second.User.ID)
	}
}

func TestGoogleSignInDisabledWithoutVerifier(t *testing.T) {
	server := newTestServer(t, nil, 100, 100)

	recorder := server.do(t, http.MethodPost, "/auth/google", "", googleAuthPayload{IDToken: "stub-token"})
	if recorder.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without a verifier, got %d", recorder.Code)
	}
}

func TestCredentialEndpointsAreRateLimited(t *testing.T) {
	server := newTestServer(t, nil, rate.Every(time.Hour), 2)

	for i := 0; i < 2; i++ {
		recorder := server.do(t, http.MethodPost, "/login", "", loginPayload{
			Email:    "ada@example.com",
			Password: "secret-password",
		})
		if recorder.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d should not be limited", i+1)
		}
	}

	recorder := server.do(t, http.MethodPost, "/login", "", loginPayload{
		Email:    "ada@example.com",
		Password: "secret-password",
	})
	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst exhaustion, got %d", recorder.Code)
	}
}
