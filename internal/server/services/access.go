package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/teamvault/teamvault/internal/common"
	"github.com/teamvault/teamvault/internal/logging"
	"github.com/teamvault/teamvault/internal/server/acl"
	"github.com/teamvault/teamvault/internal/server/models"
	"github.com/teamvault/teamvault/internal/server/repositories/repomanager"
	"github.com/teamvault/teamvault/internal/syncx"
)

// WrapFields carries the opaque wrapped-key material the client produced
// for one grantee. The server stores it verbatim.
type WrapFields struct {
	EncryptedDEK       []byte
	WrapAlgorithm      string
	KeyVersion         string
	EphemeralPublicKey []byte
	WrapNonce          []byte
}

func (w WrapFields) validate() error {
	// a populated wrapped key must name its wrap algorithm
	if len(w.EncryptedDEK) > 0 && w.WrapAlgorithm == "" {
		return fmt.Errorf("%w: wrapped key without wrap algorithm", common.ErrPreconditionFailed)
	}
	return nil
}

// AccessService implements the grant/revoke protocol over credential
// ledgers. Every ledger mutation for a credential runs under that
// credential's lock; operations on different credentials proceed in
// parallel.
type AccessService struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	locks  *syncx.KeyedMutex
	logger logging.Logger
	now    func() time.Time
}

// NewAccessService constructs an AccessService. locks must be the same
// keyed mutex instance the Reconciler uses.
func NewAccessService(db *sql.DB, repos repomanager.RepositoryManager, locks *syncx.KeyedMutex, logger logging.Logger) *AccessService {
	return &AccessService{
		db:     db,
		repos:  repos,
		locks:  locks,
		logger: logger,
		now:    time.Now,
	}
}

// canMutateACL is the shared authorization predicate for grant, revoke and
// credential mutation. A team-scoped admin must already hold an entry on
// the credential before they can extend access further; that closes the
// self-grant escalation path.
func canMutateACL(actor *models.Principal, credential *models.Credential, ledger *acl.Ledger) bool {
	switch {
	case actor.Role == models.RoleSuperAdmin:
		return true
	case actor.ID == credential.OwnerID:
		return true
	case actor.Role == models.RoleAdmin && ledger.Has(actor.ID):
		return true
	}
	return false
}

// Grant adds or rotates the grantee's wrapped-key entry on the credential.
// Idempotent: repeating a grant with identical fields leaves the ledger in
// the same state, and exactly one entry per (credential, grantee) exists
// afterwards.
func (s *AccessService) Grant(ctx context.Context, actorID, credentialID, granteeID string, wrap WrapFields) (*acl.Entry, error) {
	if err := wrap.validate(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(credentialID)
	defer unlock()

	credRepo := s.repos.Credentials(s.db)
	prinRepo := s.repos.Principals(s.db)

	credential, err := credRepo.Get(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	grantee, err := prinRepo.Get(ctx, granteeID)
	if err != nil {
		return nil, err
	}
	actor, err := prinRepo.Get(ctx, actorID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorUnauthorized
		}
		return nil, err
	}

	ledger, _ := parseLedger(ctx, s.logger, credential)

	if !canMutateACL(actor, credential, ledger) {
		return nil, common.ErrorUnauthorized
	}
	if !grantee.HasPublicKey() {
		return nil, fmt.Errorf("%w: %w", common.ErrPreconditionFailed, common.ErrNoPublicKey)
	}

	entry := acl.Entry{
		GranteeID:          granteeID,
		EncryptedDEK:       wrap.EncryptedDEK,
		WrapAlgorithm:      wrap.WrapAlgorithm,
		KeyVersion:         wrap.KeyVersion,
		EphemeralPublicKey: wrap.EphemeralPublicKey,
		WrapNonce:          wrap.WrapNonce,
		GrantedByID:        actorID,
		GrantedAt:          s.now().UTC(),
	}
	ledger.Upsert(entry)

	raw, err := ledger.Encode()
	if err != nil {
		return nil, err
	}
	if err := credRepo.UpdateACL(ctx, credentialID, raw); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "access granted",
		"credential_id", credentialID, "grantee_id", granteeID, "granted_by", actorID)
	return &entry, nil
}

// Revoke removes the grantee's entry. Revoking an absent grantee is a
// no-op. When the target is the credential owner, the revoke is refused
// unless another current owner-class principal still holds an entry: with
// client-side encryption, an owner without any recovery path has lost the
// secret for good.
func (s *AccessService) Revoke(ctx context.Context, actorID, credentialID, granteeID string) error {
	unlock := s.locks.Lock(credentialID)
	defer unlock()

	credRepo := s.repos.Credentials(s.db)
	prinRepo := s.repos.Principals(s.db)

	credential, err := credRepo.Get(ctx, credentialID)
	if err != nil {
		return err
	}
	actor, err := prinRepo.Get(ctx, actorID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return common.ErrorUnauthorized
		}
		return err
	}

	ledger, _ := parseLedger(ctx, s.logger, credential)

	if !canMutateACL(actor, credential, ledger) {
		return common.ErrorUnauthorized
	}

	if granteeID == credential.OwnerID {
		ok, err := s.ownerRetainsRecoveryPath(ctx, credential, ledger)
		if err != nil {
			return err
		}
		if !ok {
			return common.ErrSelfLockout
		}
	}

	if !ledger.Remove(granteeID) {
		return nil
	}

	raw, err := ledger.Encode()
	if err != nil {
		return err
	}
	if err := credRepo.UpdateACL(ctx, credentialID, raw); err != nil {
		return err
	}

	s.logger.Info(ctx, "access revoked",
		"credential_id", credentialID, "grantee_id", granteeID, "revoked_by", actorID)
	return nil
}

// ownerRetainsRecoveryPath reports whether removing the owner's entry still
// leaves some other owner-class principal with an entry on the credential.
func (s *AccessService) ownerRetainsRecoveryPath(ctx context.Context, credential *models.Credential, ledger *acl.Ledger) (bool, error) {
	supers, err := s.repos.Principals(s.db).ListByRole(ctx, models.RoleSuperAdmin)
	if err != nil {
		return false, err
	}
	for _, p := range supers {
		if p.ID != credential.OwnerID && ledger.Has(p.ID) {
			return true, nil
		}
	}
	return false, nil
}

// ListGrantees returns the principals holding entries on the credential, in
// ledger order. It is a pure projection for display and audit: wrapped-key
// bytes are never included.
func (s *AccessService) ListGrantees(ctx context.Context, credentialID string) ([]*models.Principal, error) {
	credRepo := s.repos.Credentials(s.db)
	prinRepo := s.repos.Principals(s.db)

	credential, err := credRepo.Get(ctx, credentialID)
	if err != nil {
		return nil, err
	}

	ledger, _ := parseLedger(ctx, s.logger, credential)

	var result []*models.Principal
	for _, granteeID := range ledger.GranteeIDs() {
		p, err := prinRepo.Get(ctx, granteeID)
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				s.logger.Warn(ctx, "ledger entry for unknown principal",
					"credential_id", credentialID, "grantee_id", granteeID)
				continue
			}
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

// ListGrants returns the ids of the credentials the principal holds an
// entry on.
func (s *AccessService) ListGrants(ctx context.Context, principalID string) ([]string, error) {
	return s.repos.Credentials(s.db).ListIDsByGrantee(ctx, principalID)
}
