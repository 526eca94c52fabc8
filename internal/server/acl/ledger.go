// Package acl implements the per-credential access ledger: the set of
// wrapped-key grants that lets many principals share one encrypted
// credential without the server ever holding the data-encryption key.
//
// A ledger is a set keyed by grantee id. It is serialized as an ordered
// JSON sequence inside the credential row, but duplicate grantees are never
// legal: Upsert replaces the existing entry's wrapped-key fields in place,
// which makes grant application idempotent.
package acl

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teamvault/teamvault/internal/common"
)

// Entry is one grantee's wrapped-key record for one credential. All key
// material is opaque to the server. EncryptedDEK == nil means the grant is
// pending: the grantee has access on paper but has not yet completed the
// client-side key exchange that populates the wrapped key.
type Entry struct {
	GranteeID          string    `json:"grantee_id"`
	EncryptedDEK       []byte    `json:"encrypted_dek,omitempty"`
	WrapAlgorithm      string    `json:"wrap_alg,omitempty"`
	KeyVersion         string    `json:"key_version,omitempty"`
	EphemeralPublicKey []byte    `json:"ephemeral_public_key,omitempty"`
	WrapNonce          []byte    `json:"wrap_nonce,omitempty"`
	// GrantedByID is empty for entries auto-provisioned by reconciliation.
	GrantedByID string    `json:"granted_by,omitempty"`
	GrantedAt   time.Time `json:"granted_at"`
}

// Pending reports whether the wrapped key has not been populated yet.
func (e *Entry) Pending() bool {
	return len(e.EncryptedDEK) == 0
}

// Ledger is the typed ACL collection for a single credential. The zero
// value is an empty ledger ready for use.
type Ledger struct {
	entries []Entry
}

// Parse decodes a serialized ledger. A nil or empty blob is an empty
// ledger. Any structural problem (not a JSON array, an entry without a
// grantee id, a duplicate grantee) yields common.ErrCorruptLedger;
// callers on the read path treat that as an empty ledger and schedule a
// repair rather than failing the credential read.
func Parse(raw []byte) (*Ledger, error) {
	if len(raw) == 0 {
		return &Ledger{}, nil
	}

	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrCorruptLedger, err)
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.GranteeID == "" {
			return nil, fmt.Errorf("%w: entry without grantee id", common.ErrCorruptLedger)
		}
		if _, dup := seen[e.GranteeID]; dup {
			return nil, fmt.Errorf("%w: duplicate grantee %s", common.ErrCorruptLedger, e.GranteeID)
		}
		seen[e.GranteeID] = struct{}{}
	}

	return &Ledger{entries: entries}, nil
}

// Encode serializes the ledger as a JSON sequence. An empty ledger encodes
// as "[]", never as null, so the stored blob always round-trips through
// Parse.
func (l *Ledger) Encode() ([]byte, error) {
	if len(l.entries) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(l.entries)
}

// Get returns the entry for granteeID, if present.
func (l *Ledger) Get(granteeID string) (Entry, bool) {
	for _, e := range l.entries {
		if e.GranteeID == granteeID {
			return e, true
		}
	}
	return Entry{}, false
}

// Has reports whether granteeID holds an entry.
func (l *Ledger) Has(granteeID string) bool {
	_, ok := l.Get(granteeID)
	return ok
}

// Upsert adds the entry, or replaces the wrapped-key fields of the existing
// entry for the same grantee in place. Exactly one entry per grantee exists
// afterwards.
func (l *Ledger) Upsert(entry Entry) {
	for i := range l.entries {
		if l.entries[i].GranteeID == entry.GranteeID {
			l.entries[i] = entry
			return
		}
	}
	l.entries = append(l.entries, entry)
}

// EnsurePending adds a pending entry for granteeID if the grantee holds no
// entry yet, and reports whether the ledger changed. An existing entry,
// pending or populated, is left untouched, so reconciliation replays can
// never clobber a wrapped key that a grant already populated.
func (l *Ledger) EnsurePending(granteeID string, at time.Time) bool {
	if l.Has(granteeID) {
		return false
	}
	l.entries = append(l.entries, Entry{GranteeID: granteeID, GrantedAt: at})
	return true
}

// Remove deletes the entry for granteeID and reports whether one was
// present. Removing an absent grantee is a no-op, not an error.
func (l *Ledger) Remove(granteeID string) bool {
	for i := range l.entries {
		if l.entries[i].GranteeID == granteeID {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Entries returns a copy of the ledger contents in stored order.
func (l *Ledger) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// GranteeIDs returns the grantee ids in stored order.
func (l *Ledger) GranteeIDs() []string {
	ids := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		ids = append(ids, e.GranteeID)
	}
	return ids
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	return len(l.entries)
}
