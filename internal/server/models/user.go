package models

// User is an account that may hold key parts of archived projects.
type User struct {
	ID               string
	UserName         string
	IsGlobalArchiver bool
}

// Supported public key types for wrapping key parts.
const (
	KeyTypeRSA    = "rsa"
	KeyTypeX25519 = "x25519"
)

// UserPublicKey is an asymmetric public key registered by a user. A user may
// register several (one per device, for example); every archived key part is
// wrapped once for each of them.
type UserPublicKey struct {
	ID        string
	UserID    string
	Name      string
	KeyType   string
	PublicKey []byte
}

// UserWithKeys is an archive recipient together with its public keys.
type UserWithKeys struct {
	User
	PublicKeys []*UserPublicKey
}
