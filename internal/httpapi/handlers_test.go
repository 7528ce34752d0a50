package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"authcore.org/internal/audit"
	"authcore.org/internal/auth"
	"authcore.org/internal/ids"
)

// --- in-memory stores ---------------------------------------------------

type fakeIdentityStore struct {
	mu   sync.Mutex
	byID map[string]*auth.Identity
}

func (s *fakeIdentityStore) Create(_ context.Context, id *auth.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.byID {
		if existing.Email == id.Email {
			return auth.ErrConflict
		}
	}
	if id.ID == "" {
		id.ID = ids.New()
	}
	cp := *id
	s.byID[id.ID] = &cp
	return nil
}

func (s *fakeIdentityStore) Find(_ context.Context, id string) (*auth.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.byID[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *identity
	return &cp, nil
}

func (s *fakeIdentityStore) FindByEmail(_ context.Context, email string) (*auth.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, identity := range s.byID {
		if identity.Email == email {
			cp := *identity
			return &cp, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *fakeIdentityStore) List(_ context.Context) ([]*auth.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*auth.Identity, 0, len(s.byID))
	for _, identity := range s.byID {
		cp := *identity
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeIdentityStore) UpdateProfile(_ context.Context, id, fullName string) error {
	return s.update(id, func(i *auth.Identity) { i.FullName = fullName })
}

func (s *fakeIdentityStore) UpdatePassword(_ context.Context, id, hash string) error {
	return s.update(id, func(i *auth.Identity) { i.PasswordHash = hash })
}

func (s *fakeIdentityStore) SetActive(_ context.Context, id string, active bool) error {
	return s.update(id, func(i *auth.Identity) { i.Active = active })
}

func (s *fakeIdentityStore) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(i *auth.Identity) { i.LastLogin = &at })
}

func (s *fakeIdentityStore) update(id string, fn func(*auth.Identity)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.byID[id]
	if !ok {
		return auth.ErrNotFound
	}
	fn(identity)
	return nil
}

type fakeSessionStore struct {
	mu     sync.Mutex
	byHash map[string]*auth.SessionRecord
}

func (s *fakeSessionStore) Create(_ context.Context, identityID, tokenHash string, ttl time.Duration) (*auth.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	rec := &auth.SessionRecord{
		ID: ids.New(), IdentityID: identityID, TokenHash: tokenHash,
		CreatedAt: now, ExpiresAt: now.Add(ttl),
	}
	s.byHash[tokenHash] = rec
	cp := *rec
	return &cp, nil
}

func (s *fakeSessionStore) FindValid(_ context.Context, tokenHash string) (*auth.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byHash[tokenHash]
	if !ok || !rec.ExpiresAt.After(time.Now().UTC()) {
		return nil, auth.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeSessionStore) Rotate(_ context.Context, oldHash, newHash string, ttl time.Duration) (*auth.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.byHash[oldHash]
	now := time.Now().UTC()
	if !ok || !old.ExpiresAt.After(now) {
		return nil, auth.ErrNotFound
	}
	delete(s.byHash, oldHash)
	rec := &auth.SessionRecord{
		ID: ids.New(), IdentityID: old.IdentityID, TokenHash: newHash,
		CreatedAt: now, ExpiresAt: now.Add(ttl),
	}
	s.byHash[newHash] = rec
	cp := *rec
	return &cp, nil
}

func (s *fakeSessionStore) InvalidateAll(_ context.Context, identityID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for hash, rec := range s.byHash {
		if rec.IdentityID == identityID {
			delete(s.byHash, hash)
			n++
		}
	}
	return n, nil
}

func (s *fakeSessionStore) SweepExpired(_ context.Context) (int64, error) {
	return 0, nil
}

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (s *fakeAuditStore) Append(_ context.Context, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *fakeAuditStore) ListByEntity(_ context.Context, entityType, entityID string, limit int) ([]*audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*audit.Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.entries[i]
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- fixture ------------------------------------------------------------

type apiFixture struct {
	t          *testing.T
	server     *httptest.Server
	identities *fakeIdentityStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	identities := &fakeIdentityStore{byID: make(map[string]*auth.Identity)}
	sessions := &fakeSessionStore{byHash: make(map[string]*auth.SessionRecord)}
	recorder := audit.NewRecorder(&fakeAuditStore{}, nil)

	svc, err := auth.NewService(identities, sessions, recorder,
		auth.WithSigningKey([]byte("0123456789abcdef0123456789abcdef")),
		auth.WithBcryptCost(4),
	)
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	api := New(svc, ReadyProbe{}, Options{Version: "test"})
	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)
	return &apiFixture{t: t, server: server, identities: identities}
}

func (f *apiFixture) do(method, path, token string, payload any) (int, map[string]any) {
	f.t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			f.t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.server.URL+path, &body)
	if err != nil {
		f.t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

func (f *apiFixture) register(email string) map[string]any {
	f.t.Helper()
	status, body := f.do(http.MethodPost, "/v1/auth/register", "", map[string]any{
		"email":     email,
		"password":  "Correct1Horse",
		"full_name": "Test User",
	})
	if status != http.StatusCreated {
		f.t.Fatalf("register: expected 201, got %d (%v)", status, body)
	}
	return body
}

func (f *apiFixture) login(email string) map[string]any {
	f.t.Helper()
	status, body := f.do(http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": "Correct1Horse",
	})
	if status != http.StatusOK {
		f.t.Fatalf("login: expected 200, got %d (%v)", status, body)
	}
	return body
}

// promote flips the stored account to superuser, as seeding would.
func (f *apiFixture) promote(email string) {
	f.t.Helper()
	identity, err := f.identities.FindByEmail(context.Background(), email)
	if err != nil {
		f.t.Fatalf("find %s: %v", email, err)
	}
	f.identities.mu.Lock()
	f.identities.byID[identity.ID].Superuser = true
	f.identities.mu.Unlock()
}

// --- tests --------------------------------------------------------------

func TestSessionLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	f.register("a@example.com")
	tokens := f.login("a@example.com")

	access := tokens["access_token"].(string)
	firstRefresh := tokens["refresh_token"].(string)
	if tokens["token_type"] != "bearer" {
		t.Fatalf("token_type = %v", tokens["token_type"])
	}

	status, me := f.do(http.MethodGet, "/v1/users/me", access, nil)
	if status != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", status)
	}
	if me["email"] != "a@example.com" {
		t.Fatalf("me email = %v", me["email"])
	}

	status, rotated := f.do(http.MethodPost, "/v1/auth/refresh", "", map[string]any{
		"refresh_token": firstRefresh,
	})
	if status != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", status)
	}
	secondRefresh := rotated["refresh_token"].(string)
	if secondRefresh == firstRefresh {
		t.Fatal("refresh token was not rotated")
	}

	// Replay of the retired token.
	status, _ = f.do(http.MethodPost, "/v1/auth/refresh", "", map[string]any{
		"refresh_token": firstRefresh,
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("replay: expected 401, got %d", status)
	}

	status, out := f.do(http.MethodPost, "/v1/auth/logout", rotated["access_token"].(string), nil)
	if status != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", status)
	}
	if out["sessions_invalidated"].(float64) != 1 {
		t.Fatalf("sessions_invalidated = %v", out["sessions_invalidated"])
	}

	status, _ = f.do(http.MethodPost, "/v1/auth/refresh", "", map[string]any{
		"refresh_token": secondRefresh,
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: expected 401, got %d", status)
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	f := newAPIFixture(t)

	status, _ := f.do(http.MethodPost, "/v1/auth/register", "", map[string]any{
		"email":    "a@example.com",
		"password": "weak",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("weak password: expected 400, got %d", status)
	}

	status, _ = f.do(http.MethodPost, "/v1/auth/register", "", map[string]any{
		"email":    "a@example.com",
		"password": "Correct1Horse",
		"surprise": true,
	})
	if status != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", status)
	}
}

func TestRegisterDuplicateConflict(t *testing.T) {
	f := newAPIFixture(t)
	f.register("a@example.com")
	status, _ := f.do(http.MethodPost, "/v1/auth/register", "", map[string]any{
		"email":    "a@example.com",
		"password": "Correct1Horse",
	})
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d", status)
	}
}

func TestLoginBadCredentials(t *testing.T) {
	f := newAPIFixture(t)
	f.register("a@example.com")
	status, _ := f.do(http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    "a@example.com",
		"password": "Wrong1Password",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
}

func TestProtectedPathsRequireToken(t *testing.T) {
	f := newAPIFixture(t)
	for _, path := range []string{"/v1/users/me", "/v1/users", "/v1/auth/logout"} {
		method := http.MethodGet
		if path == "/v1/auth/logout" {
			method = http.MethodPost
		}
		status, _ := f.do(method, path, "", nil)
		if status != http.StatusUnauthorized {
			t.Fatalf("%s without token: expected 401, got %d", path, status)
		}
		status, _ = f.do(method, path, "garbage-token", nil)
		if status != http.StatusUnauthorized {
			t.Fatalf("%s with garbage token: expected 401, got %d", path, status)
		}
	}
}

func TestUserCannotTouchOtherIdentity(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.register("alice@example.com")
	f.register("bob@example.com")
	access := f.login("bob@example.com")["access_token"].(string)

	aliceID := alice["id"].(string)
	cases := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/v1/users/" + aliceID, nil},
		{http.MethodPut, "/v1/users/" + aliceID, map[string]any{"full_name": "X"}},
		{http.MethodPost, "/v1/users/" + aliceID + "/password", map[string]any{"current_password": "x", "new_password": "Y1abcdefg"}},
		{http.MethodPost, "/v1/users/" + aliceID + "/deactivate", nil},
		{http.MethodGet, "/v1/users/" + aliceID + "/audit", nil},
		{http.MethodGet, "/v1/users", nil},
	}
	for _, tc := range cases {
		status, _ := f.do(tc.method, tc.path, access, tc.body)
		if status != http.StatusForbidden {
			t.Fatalf("%s %s: expected 403, got %d", tc.method, tc.path, status)
		}
	}
}

func TestSuperuserManagesIdentities(t *testing.T) {
	f := newAPIFixture(t)
	bob := f.register("bob@example.com")
	f.register("root@example.com")
	f.promote("root@example.com")
	access := f.login("root@example.com")["access_token"].(string)
	bobID := bob["id"].(string)

	status, list := f.do(http.MethodGet, "/v1/users", access, nil)
	if status != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", status)
	}
	if len(list["items"].([]any)) != 2 {
		t.Fatalf("items = %v", list["items"])
	}

	status, got := f.do(http.MethodGet, "/v1/users/"+bobID, access, nil)
	if status != http.StatusOK || got["email"] != "bob@example.com" {
		t.Fatalf("get: %d %v", status, got)
	}

	status, _ = f.do(http.MethodPost, "/v1/users/"+bobID+"/deactivate", access, nil)
	if status != http.StatusNoContent {
		t.Fatalf("deactivate: expected 204, got %d", status)
	}

	// Deactivated accounts cannot log in.
	status, _ = f.do(http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    "bob@example.com",
		"password": "Correct1Horse",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("deactivated login: expected 401, got %d", status)
	}

	status, _ = f.do(http.MethodPost, "/v1/users/"+bobID+"/activate", access, nil)
	if status != http.StatusNoContent {
		t.Fatalf("activate: expected 204, got %d", status)
	}
	f.login("bob@example.com")

	status, trail := f.do(http.MethodGet, "/v1/users/"+bobID+"/audit", access, nil)
	if status != http.StatusOK {
		t.Fatalf("audit: expected 200, got %d", status)
	}
	if len(trail["items"].([]any)) == 0 {
		t.Fatal("expected audit entries")
	}
}

func TestUnknownUserIs404ForSuperuser(t *testing.T) {
	f := newAPIFixture(t)
	f.register("root@example.com")
	f.promote("root@example.com")
	access := f.login("root@example.com")["access_token"].(string)

	status, _ := f.do(http.MethodGet, "/v1/users/does-not-exist", access, nil)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t)
	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/v1/auth/login", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Allow") != "POST" {
		t.Fatalf("Allow = %q", resp.Header.Get("Allow"))
	}
}

func TestHealthAndInfo(t *testing.T) {
	f := newAPIFixture(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		status, _ := f.do(http.MethodGet, path, "", nil)
		if status != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, status)
		}
	}
}
