package models

import "time"

// ArchivedProject is a project whose export bundle is encrypted with a random
// key split among the archivers. StorageName points at the bundle blob.
type ArchivedProject struct {
	ID          string
	Name        string
	Tags        []string
	Threshold   int
	StorageName string
	KeyID       string
	CreatedAt   time.Time
}

// ArchivedProjectKeyPart is one user's share of an archive key.
//
// Share is the issued share; it is persisted in encrypted_key_part as an
// encrypted field. KeyPart and DecryptedAt are only set between a successful
// submission and either the restore or the reaper resetting the part.
type ArchivedProjectKeyPart struct {
	ID                string
	ArchivedProjectID string
	UserID            string
	Share             []byte
	KeyPart           []byte
	DecryptedAt       *time.Time
}

// IsDecrypted reports whether the plaintext share has been submitted.
func (p *ArchivedProjectKeyPart) IsDecrypted() bool {
	return p.KeyPart != nil && p.DecryptedAt != nil
}

// PublicKeyEncryptedKeyPart is a key part wrapped for one public key of its
// owner.
type PublicKeyEncryptedKeyPart struct {
	ID            string
	KeyPartID     string
	PublicKeyID   string
	EncryptedData []byte
}

// ArchiveRestoration records which live project an archive was restored to,
// so late submissions for the same archive can report the outcome.
type ArchiveRestoration struct {
	ArchivedProjectID string
	ProjectID         string
	RestoredAt        time.Time
}
