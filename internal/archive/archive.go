// Package archive moves projects into threshold-encrypted archives and
// restores them once enough key holders have submitted their shares.
//
// An archive is the project's export bundle sealed with a random key K. K is
// split with Shamir's scheme into one share per eligible user, and every
// share is wrapped for each public key of its owner. Restoring requires
// threshold-many owners to unwrap their share client-side and submit it with
// DecryptKeyPart.
package archive

import (
	"context"
	"errors"
	"io"

	"github.com/dmitrijs2005/sealkeeper/internal/dbx"
	"github.com/dmitrijs2005/sealkeeper/internal/server/models"
)

var (
	ErrInsufficientEligibleUsers = errors.New("not enough eligible users with public keys")
	ErrThresholdUnreachable      = errors.New("threshold out of range")
	ErrMalformedShare            = errors.New("malformed key share")
	ErrNotFound                  = errors.New("not found")
)

// archiveKeySize is the length of the per-archive bundle key.
const archiveKeySize = 32

// Status is the outcome of a share submission.
type Status string

const (
	StatusKeyPartDecrypted Status = "key_part_decrypted"
	StatusProjectRestored  Status = "project_restored"
)

type DecryptResult struct {
	Status            Status
	ArchivedProjectID string
	// ProjectID is set once the project is restored.
	ProjectID string
	Decrypted int
	Threshold int
}

// Wrapper encrypts a share for one public key.
type Wrapper interface {
	Wrap(share []byte, key *models.UserPublicKey) ([]byte, error)
}

// BundleCodec serialises a project with its files into a byte stream and
// back. Import stores the file contents and returns an unsaved project with a
// new id.
type BundleCodec interface {
	Export(ctx context.Context, p *models.Project, w io.Writer) error
	Import(ctx context.Context, r io.Reader) (*models.Project, error)
}

// EligibilityPolicy selects who receives a share of a project's archive.
type EligibilityPolicy interface {
	EligibleArchivers(ctx context.Context, tx dbx.DBTX, projectID string) ([]*models.UserWithKeys, error)
}
