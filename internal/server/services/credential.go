package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teamvault/teamvault/internal/common"
	"github.com/teamvault/teamvault/internal/dbx"
	"github.com/teamvault/teamvault/internal/logging"
	"github.com/teamvault/teamvault/internal/server/acl"
	"github.com/teamvault/teamvault/internal/server/blob"
	"github.com/teamvault/teamvault/internal/server/models"
	"github.com/teamvault/teamvault/internal/server/repositories/repomanager"
	"github.com/teamvault/teamvault/internal/syncx"
)

// BlobStore is the subset of blob.S3Store the credential service needs.
// Nil means blob offload is disabled and ciphertexts stay inline.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string) (string, error)
}

var _ BlobStore = (*blob.S3Store)(nil)

// InitialGrant is one grantee's wrapped key supplied at credential creation.
type InitialGrant struct {
	GranteeID string
	Wrap      WrapFields
}

// CreateCredentialInput carries the fields of createCredential. Ciphertext
// and CipherAlgorithm must be both set or both empty.
type CreateCredentialInput struct {
	OwnerID         string
	Title           string
	CipherAlgorithm string
	Ciphertext      []byte
	Metadata        []byte
	TeamIDs         []string
	InitialGrants   []InitialGrant
}

// CipherUpdate replaces the ciphertext and algorithm together, keeping the
// both-or-neither invariant structural.
type CipherUpdate struct {
	Algorithm  string
	Ciphertext []byte
}

// UpdateCredentialInput is a partial update; nil fields are left unchanged.
// ACL changes never travel through here.
type UpdateCredentialInput struct {
	Title    *string
	Metadata []byte
	Cipher   *CipherUpdate
	TeamIDs  []string
}

// CredentialService owns the credential lifecycle. Ledger content is only
// read here; all ledger mutation goes through AccessService and Reconciler.
type CredentialService struct {
	db          *sql.DB
	repos       repomanager.RepositoryManager
	reconciler  *Reconciler
	blobs       BlobStore
	locks       *syncx.KeyedMutex
	logger      logging.Logger
	inlineLimit int
	now         func() time.Time
}

// NewCredentialService constructs a CredentialService. blobs may be nil;
// inlineLimit <= 0 disables offload even when a store is configured.
func NewCredentialService(db *sql.DB, repos repomanager.RepositoryManager, reconciler *Reconciler,
	blobs BlobStore, locks *syncx.KeyedMutex, logger logging.Logger, inlineLimit int) *CredentialService {
	return &CredentialService{
		db:          db,
		repos:       repos,
		reconciler:  reconciler,
		blobs:       blobs,
		locks:       locks,
		logger:      logger,
		inlineLimit: inlineLimit,
		now:         time.Now,
	}
}

// Create persists a new credential with its initial ledger and triggers the
// owner-class backfill. The backfill is eventually consistent: a failure is
// logged and the next sweep converges the ledger.
func (s *CredentialService) Create(ctx context.Context, in CreateCredentialInput) (*models.Credential, error) {
	prinRepo := s.repos.Principals(s.db)

	owner, err := prinRepo.Get(ctx, in.OwnerID)
	if err != nil {
		return nil, err
	}
	if owner.Role != models.RoleSuperAdmin && owner.Role != models.RoleAdmin {
		return nil, common.ErrorUnauthorized
	}

	if (len(in.Ciphertext) > 0) != (in.CipherAlgorithm != "") {
		return nil, fmt.Errorf("%w: ciphertext and cipher algorithm must be set together", common.ErrPreconditionFailed)
	}

	teamRepo := s.repos.Teams(s.db)
	for _, teamID := range in.TeamIDs {
		if _, err := teamRepo.Get(ctx, teamID); err != nil {
			return nil, err
		}
	}

	ledger := &acl.Ledger{}
	now := s.now().UTC()
	for _, g := range in.InitialGrants {
		if err := g.Wrap.validate(); err != nil {
			return nil, err
		}
		grantee, err := prinRepo.Get(ctx, g.GranteeID)
		if err != nil {
			return nil, err
		}
		if !grantee.HasPublicKey() {
			return nil, fmt.Errorf("%w: %w", common.ErrPreconditionFailed, common.ErrNoPublicKey)
		}
		ledger.Upsert(acl.Entry{
			GranteeID:          g.GranteeID,
			EncryptedDEK:       g.Wrap.EncryptedDEK,
			WrapAlgorithm:      g.Wrap.WrapAlgorithm,
			KeyVersion:         g.Wrap.KeyVersion,
			EphemeralPublicKey: g.Wrap.EphemeralPublicKey,
			WrapNonce:          g.Wrap.WrapNonce,
			GrantedByID:        owner.ID,
			GrantedAt:          now,
		})
	}
	rawACL, err := ledger.Encode()
	if err != nil {
		return nil, err
	}

	ciphertext := in.Ciphertext
	storageKey := ""
	if s.offloads(ciphertext) {
		storageKey, err = s.blobs.Put(ctx, ciphertext)
		if err != nil {
			return nil, fmt.Errorf("offloading ciphertext: %w", err)
		}
		ciphertext = nil
	}

	credential := &models.Credential{
		ID:              uuid.NewString(),
		OwnerID:         in.OwnerID,
		Title:           in.Title,
		CipherAlgorithm: in.CipherAlgorithm,
		Ciphertext:      ciphertext,
		StorageKey:      storageKey,
		Metadata:        in.Metadata,
		TeamIDs:         in.TeamIDs,
		ACL:             rawACL,
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repos.Credentials(tx)
		if _, err := repo.Create(ctx, credential); err != nil {
			return err
		}
		return repo.ReplaceTeams(ctx, credential.ID, in.TeamIDs)
	})
	if err != nil {
		if storageKey != "" {
			if delErr := s.blobs.Delete(ctx, storageKey); delErr != nil {
				s.logger.Warn(ctx, "orphaned ciphertext blob", "storage_key", storageKey, "error", delErr.Error())
			}
		}
		return nil, err
	}

	if err := s.reconciler.OnCredentialCreated(ctx, credential.ID); err != nil {
		s.logger.Error(ctx, "owner-class backfill failed, next sweep will converge",
			"credential_id", credential.ID, "error", err.Error())
	}

	s.logger.Info(ctx, "credential created", "credential_id", credential.ID, "owner_id", in.OwnerID)
	return credential, nil
}

// Get returns the credential if the actor may see it, together with the
// actor's own ledger entry (their wrapped key), if any. The raw ledger blob
// is stripped for everyone but owner-class auditors.
func (s *CredentialService) Get(ctx context.Context, actorID, credentialID string) (*models.Credential, *acl.Entry, error) {
	credential, err := s.repos.Credentials(s.db).Get(ctx, credentialID)
	if err != nil {
		return nil, nil, err
	}
	actor, err := s.repos.Principals(s.db).Get(ctx, actorID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, nil, common.ErrorUnauthorized
		}
		return nil, nil, err
	}

	ledger, _ := parseLedger(ctx, s.logger, credential)

	if !canView(actor, credential, ledger) {
		return nil, nil, common.ErrorUnauthorized
	}

	var own *acl.Entry
	if e, ok := ledger.Get(actorID); ok {
		own = &e
	}
	if actor.Role != models.RoleSuperAdmin {
		credential.ACL = nil
	}
	return credential, own, nil
}

// CiphertextURL returns a presigned download URL for an offloaded
// ciphertext. Fails with ErrPreconditionFailed when the ciphertext is
// inline or blob storage is disabled.
func (s *CredentialService) CiphertextURL(ctx context.Context, actorID, credentialID string) (string, error) {
	credential, _, err := s.Get(ctx, actorID, credentialID)
	if err != nil {
		return "", err
	}
	if credential.StorageKey == "" || s.blobs == nil {
		return "", fmt.Errorf("%w: ciphertext is not offloaded", common.ErrPreconditionFailed)
	}
	return s.blobs.PresignGet(ctx, credential.StorageKey)
}

// Update applies a partial update to the credential record. The ledger is
// consulted for authorization but never modified here.
func (s *CredentialService) Update(ctx context.Context, actorID, credentialID string, in UpdateCredentialInput) (*models.Credential, error) {
	unlock := s.locks.Lock(credentialID)
	defer unlock()

	credRepo := s.repos.Credentials(s.db)

	credential, err := credRepo.Get(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	actor, err := s.repos.Principals(s.db).Get(ctx, actorID)
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

	if in.Title != nil {
		credential.Title = *in.Title
	}
	if in.Metadata != nil {
		credential.Metadata = in.Metadata
	}

	oldStorageKey := ""
	if in.Cipher != nil {
		if (len(in.Cipher.Ciphertext) > 0) != (in.Cipher.Algorithm != "") {
			return nil, fmt.Errorf("%w: ciphertext and cipher algorithm must be set together", common.ErrPreconditionFailed)
		}
		oldStorageKey = credential.StorageKey
		credential.CipherAlgorithm = in.Cipher.Algorithm
		credential.Ciphertext = in.Cipher.Ciphertext
		credential.StorageKey = ""
		if s.offloads(credential.Ciphertext) {
			key, err := s.blobs.Put(ctx, credential.Ciphertext)
			if err != nil {
				return nil, fmt.Errorf("offloading ciphertext: %w", err)
			}
			credential.StorageKey = key
			credential.Ciphertext = nil
		}
	}

	if in.TeamIDs != nil {
		teamRepo := s.repos.Teams(s.db)
		for _, teamID := range in.TeamIDs {
			if _, err := teamRepo.Get(ctx, teamID); err != nil {
				return nil, err
			}
		}
		credential.TeamIDs = in.TeamIDs
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repos.Credentials(tx)
		if err := repo.Update(ctx, credential); err != nil {
			return err
		}
		if in.TeamIDs != nil {
			return repo.ReplaceTeams(ctx, credentialID, in.TeamIDs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if oldStorageKey != "" {
		if err := s.blobs.Delete(ctx, oldStorageKey); err != nil {
			s.logger.Warn(ctx, "stale ciphertext blob not deleted", "storage_key", oldStorageKey, "error", err.Error())
		}
	}
	return credential, nil
}

// Delete removes the credential; the ledger lives in the row and dies with
// it. Only the owner or an owner-class principal may delete.
func (s *CredentialService) Delete(ctx context.Context, actorID, credentialID string) error {
	unlock := s.locks.Lock(credentialID)
	defer unlock()

	credential, err := s.repos.Credentials(s.db).Get(ctx, credentialID)
	if err != nil {
		return err
	}
	actor, err := s.repos.Principals(s.db).Get(ctx, actorID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return common.ErrorUnauthorized
		}
		return err
	}
	if actor.Role != models.RoleSuperAdmin && actor.ID != credential.OwnerID {
		return common.ErrorUnauthorized
	}

	if err := s.repos.Credentials(s.db).Delete(ctx, credentialID); err != nil {
		return err
	}

	if credential.StorageKey != "" && s.blobs != nil {
		if err := s.blobs.Delete(ctx, credential.StorageKey); err != nil {
			s.logger.Warn(ctx, "orphaned ciphertext blob", "storage_key", credential.StorageKey, "error", err.Error())
		}
	}

	s.logger.Info(ctx, "credential deleted", "credential_id", credentialID, "deleted_by", actorID)
	return nil
}

// ListVisible returns the credentials the actor may see: everything for
// owner-class, owned plus team-assigned plus ACL-held for team admins, and
// owned plus ACL-held for ordinary principals. Raw ledger blobs are
// stripped for non-owner-class actors.
func (s *CredentialService) ListVisible(ctx context.Context, actorID string) ([]*models.Credential, error) {
	actor, err := s.repos.Principals(s.db).Get(ctx, actorID)
	if err != nil {
		return nil, err
	}

	repo := s.repos.Credentials(s.db)

	if actor.Role == models.RoleSuperAdmin {
		return repo.List(ctx)
	}

	teamID := ""
	if actor.Role == models.RoleAdmin {
		teamID = actor.TeamID
	}
	result, err := repo.ListVisible(ctx, actorID, teamID)
	if err != nil {
		return nil, err
	}
	for _, c := range result {
		c.ACL = nil
	}
	return result, nil
}

// canView is the read-side visibility predicate.
func canView(actor *models.Principal, credential *models.Credential, ledger *acl.Ledger) bool {
	switch {
	case actor.Role == models.RoleSuperAdmin:
		return true
	case actor.ID == credential.OwnerID:
		return true
	case ledger.Has(actor.ID):
		return true
	case actor.Role == models.RoleAdmin && actor.TeamID != "":
		for _, teamID := range credential.TeamIDs {
			if teamID == actor.TeamID {
				return true
			}
		}
	}
	return false
}

func (s *CredentialService) offloads(ciphertext []byte) bool {
	return s.blobs != nil && s.inlineLimit > 0 && len(ciphertext) > s.inlineLimit
}
