package services

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/teamvault/teamvault/internal/common"
	"github.com/teamvault/teamvault/internal/dbx"
	"github.com/teamvault/teamvault/internal/logging"
	"github.com/teamvault/teamvault/internal/server/acl"
	"github.com/teamvault/teamvault/internal/server/models"
	credentialsrepo "github.com/teamvault/teamvault/internal/server/repositories/credentials"
	principalsrepo "github.com/teamvault/teamvault/internal/server/repositories/principals"
	teamsrepo "github.com/teamvault/teamvault/internal/server/repositories/teams"
	"github.com/teamvault/teamvault/internal/syncx"
)

// --- helpers ---

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return db, mock
}

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

// fakePrincipalsRepo is an in-memory principals.Repository. Reads return
// copies so services cannot mutate stored state except through the
// repository methods.
type fakePrincipalsRepo struct {
	mu    sync.Mutex
	byID  map[string]*models.Principal
	order []string

	getErr        error
	listByRoleErr error
	updateRoleErr error
}

func newFakePrincipalsRepo() *fakePrincipalsRepo {
	return &fakePrincipalsRepo{byID: make(map[string]*models.Principal)}
}

func (f *fakePrincipalsRepo) Create(ctx context.Context, p *models.Principal) (*models.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.byID {
		if existing.Email == p.Email {
			return nil, common.ErrConflict
		}
	}
	cp := *p
	cp.CreatedAt = time.Now()
	f.byID[p.ID] = &cp
	f.order = append(f.order, p.ID)
	return &cp, nil
}

func (f *fakePrincipalsRepo) Get(ctx context.Context, id string) (*models.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	p, ok := f.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePrincipalsRepo) GetByEmail(ctx context.Context, email string) (*models.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.byID {
		if p.Email == email {
			cp := *p
			return &cp, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (f *fakePrincipalsRepo) ListByRole(ctx context.Context, role models.Role) ([]*models.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listByRoleErr != nil {
		return nil, f.listByRoleErr
	}
	var result []*models.Principal
	for _, id := range f.order {
		if p := f.byID[id]; p != nil && p.Role == role {
			cp := *p
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (f *fakePrincipalsRepo) ListByTeam(ctx context.Context, teamID string, roles []models.Role) ([]*models.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*models.Principal
	for _, id := range f.order {
		p := f.byID[id]
		if p == nil || p.TeamID != teamID {
			continue
		}
		for _, role := range roles {
			if p.Role == role {
				cp := *p
				result = append(result, &cp)
				break
			}
		}
	}
	return result, nil
}

func (f *fakePrincipalsRepo) UpdateRole(ctx context.Context, id string, role models.Role) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateRoleErr != nil {
		return f.updateRoleErr
	}
	p, ok := f.byID[id]
	if !ok {
		return common.ErrorNotFound
	}
	p.Role = role
	return nil
}

func (f *fakePrincipalsRepo) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[id]; !ok {
		return common.ErrorNotFound
	}
	delete(f.byID, id)
	for i, oid := range f.order {
		if oid == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

type fakeTeamsRepo struct {
	mu   sync.Mutex
	byID map[string]*models.Team
}

func newFakeTeamsRepo() *fakeTeamsRepo {
	return &fakeTeamsRepo{byID: make(map[string]*models.Team)}
}

func (f *fakeTeamsRepo) Create(ctx context.Context, team *models.Team) (*models.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[team.ID] = team
	return team, nil
}

func (f *fakeTeamsRepo) Get(ctx context.Context, id string) (*models.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	team, ok := f.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return team, nil
}

func (f *fakeTeamsRepo) GetByName(ctx context.Context, name string) (*models.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, team := range f.byID {
		if team.Name == name {
			return team, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (f *fakeTeamsRepo) List(ctx context.Context) ([]*models.Team, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*models.Team
	for _, team := range f.byID {
		result = append(result, team)
	}
	return result, nil
}

// fakeCredentialsRepo mirrors the Postgres repository's behavior, including
// ACL-membership matching: a ledger that fails to parse simply never
// matches a grantee query, same as jsonb containment on a malformed blob.
type fakeCredentialsRepo struct {
	mu    sync.Mutex
	byID  map[string]*models.Credential
	order []string

	getErr         error
	createErr      error
	updateACLErr   error
	listIDsErr     error
	updateACLCalls int
}

func newFakeCredentialsRepo() *fakeCredentialsRepo {
	return &fakeCredentialsRepo{byID: make(map[string]*models.Credential)}
}

func copyCredential(c *models.Credential) *models.Credential {
	cp := *c
	cp.ACL = append([]byte(nil), c.ACL...)
	cp.TeamIDs = append([]string(nil), c.TeamIDs...)
	return &cp
}

func (f *fakeCredentialsRepo) Create(ctx context.Context, c *models.Credential) (*models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if _, ok := f.byID[c.ID]; ok {
		return nil, common.ErrConflict
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	f.byID[c.ID] = copyCredential(c)
	f.order = append(f.order, c.ID)
	return c, nil
}

func (f *fakeCredentialsRepo) Get(ctx context.Context, id string) (*models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	c, ok := f.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return copyCredential(c), nil
}

func (f *fakeCredentialsRepo) Update(ctx context.Context, c *models.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.byID[c.ID]
	if !ok {
		return common.ErrorNotFound
	}
	stored.Title = c.Title
	stored.CipherAlgorithm = c.CipherAlgorithm
	stored.Ciphertext = c.Ciphertext
	stored.StorageKey = c.StorageKey
	stored.Metadata = c.Metadata
	stored.UpdatedAt = time.Now()
	return nil
}

func (f *fakeCredentialsRepo) UpdateACL(ctx context.Context, id string, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateACLCalls++
	if f.updateACLErr != nil {
		return f.updateACLErr
	}
	c, ok := f.byID[id]
	if !ok {
		return common.ErrorNotFound
	}
	c.ACL = append([]byte(nil), raw...)
	c.UpdatedAt = time.Now()
	return nil
}

func (f *fakeCredentialsRepo) ReplaceTeams(ctx context.Context, id string, teamIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return common.ErrorNotFound
	}
	c.TeamIDs = append([]string(nil), teamIDs...)
	return nil
}

func (f *fakeCredentialsRepo) TeamIDs(ctx context.Context, id string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return append([]string(nil), c.TeamIDs...), nil
}

func (f *fakeCredentialsRepo) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[id]; !ok {
		return common.ErrorNotFound
	}
	delete(f.byID, id)
	for i, oid := range f.order {
		if oid == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeCredentialsRepo) List(ctx context.Context) ([]*models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*models.Credential
	for _, id := range f.order {
		result = append(result, copyCredential(f.byID[id]))
	}
	return result, nil
}

func (f *fakeCredentialsRepo) ListIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listIDsErr != nil {
		return nil, f.listIDsErr
	}
	return append([]string(nil), f.order...), nil
}

func (f *fakeCredentialsRepo) ListVisible(ctx context.Context, actorID string, teamID string) ([]*models.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*models.Credential
	for _, id := range f.order {
		c := f.byID[id]
		if visibleTo(c, actorID, teamID) {
			result = append(result, copyCredential(c))
		}
	}
	return result, nil
}

func visibleTo(c *models.Credential, actorID string, teamID string) bool {
	if c.OwnerID == actorID {
		return true
	}
	if ledger, err := acl.Parse(c.ACL); err == nil && ledger.Has(actorID) {
		return true
	}
	if teamID != "" {
		for _, id := range c.TeamIDs {
			if id == teamID {
				return true
			}
		}
	}
	return false
}

func (f *fakeCredentialsRepo) ListIDsByGrantee(ctx context.Context, granteeID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []string
	for _, id := range f.order {
		c := f.byID[id]
		if ledger, err := acl.Parse(c.ACL); err == nil && ledger.Has(granteeID) {
			result = append(result, id)
		}
	}
	return result, nil
}

type fakeRepoManager struct {
	p *fakePrincipalsRepo
	t *fakeTeamsRepo
	c *fakeCredentialsRepo
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{
		p: newFakePrincipalsRepo(),
		t: newFakeTeamsRepo(),
		c: newFakeCredentialsRepo(),
	}
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error     { return nil }
func (m *fakeRepoManager) Principals(db dbx.DBTX) principalsrepo.Repository { return m.p }
func (m *fakeRepoManager) Teams(db dbx.DBTX) teamsrepo.Repository           { return m.t }
func (m *fakeRepoManager) Credentials(db dbx.DBTX) credentialsrepo.Repository {
	return m.c
}

func addPrincipal(t *testing.T, rm *fakeRepoManager, id string, role models.Role, teamID string, withKey bool) {
	t.Helper()
	var key []byte
	if withKey {
		key = []byte("pub-" + id)
	}
	_, err := rm.p.Create(context.Background(), &models.Principal{
		ID:        id,
		Email:     id + "@example.com",
		Role:      role,
		TeamID:    teamID,
		PublicKey: key,
	})
	if err != nil {
		t.Fatalf("seeding principal %s: %v", id, err)
	}
}

func addCredential(t *testing.T, rm *fakeRepoManager, id, ownerID string, rawACL []byte) {
	t.Helper()
	if rawACL == nil {
		rawACL = []byte("[]")
	}
	_, err := rm.c.Create(context.Background(), &models.Credential{
		ID:      id,
		OwnerID: ownerID,
		Title:   "cred " + id,
		ACL:     rawACL,
	})
	if err != nil {
		t.Fatalf("seeding credential %s: %v", id, err)
	}
}

func storedLedger(t *testing.T, rm *fakeRepoManager, credentialID string) *acl.Ledger {
	t.Helper()
	c, err := rm.c.Get(context.Background(), credentialID)
	if err != nil {
		t.Fatalf("reading credential %s: %v", credentialID, err)
	}
	ledger, err := acl.Parse(c.ACL)
	if err != nil {
		t.Fatalf("stored ledger does not parse: %v", err)
	}
	return ledger
}

func encodeLedger(t *testing.T, entries ...acl.Entry) []byte {
	t.Helper()
	ledger := &acl.Ledger{}
	for _, e := range entries {
		ledger.Upsert(e)
	}
	raw, err := ledger.Encode()
	if err != nil {
		t.Fatalf("encoding ledger: %v", err)
	}
	return raw
}

func newTestReconciler(db *sql.DB, rm *fakeRepoManager, locks *syncx.KeyedMutex) *Reconciler {
	return NewReconciler(db, rm, locks, testLogger(), 2)
}

// fakeBlobStore records offloaded ciphertexts in memory.
type fakeBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	n     int

	putErr error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte)}
}

func (f *fakeBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return "", f.putErr
	}
	f.n++
	key := fmt.Sprintf("blob-%d", f.n)
	f.blobs[key] = append([]byte(nil), data...)
	return key, nil
}

func (f *fakeBlobStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blobs[key]; !ok {
		return common.ErrorNotFound
	}
	delete(f.blobs, key)
	return nil
}

func (f *fakeBlobStore) PresignGet(ctx context.Context, key string) (string, error) {
	return "https://blobs.local/" + key, nil
}
