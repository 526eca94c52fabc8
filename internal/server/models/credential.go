package models

import "time"

// Credential is a protected secret record. Ciphertext (nonce and tag
// included, per the caller's AEAD scheme) and Metadata are opaque to the
// server; the server never inspects or decrypts them.
//
// ACL is the serialized ACL ledger exactly as stored in the credential row.
// Use the acl package to parse and mutate it.
type Credential struct {
	ID              string
	OwnerID         string
	Title           string
	CipherAlgorithm string
	Ciphertext      []byte
	// StorageKey is set instead of inline Ciphertext when the blob was
	// offloaded to object storage.
	StorageKey string
	Metadata   []byte
	TeamIDs    []string
	ACL        []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasCipher reports whether both ciphertext (inline or offloaded) and the
// cipher algorithm are set. The two fields are either both present or both
// empty; a credential with only one of them is malformed.
func (c *Credential) HasCipher() bool {
	return (len(c.Ciphertext) > 0 || c.StorageKey != "") && c.CipherAlgorithm != ""
}
