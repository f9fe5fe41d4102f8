// Package auth validates API keys against the credential store (§4.5).
package auth

// ApiKey is a credential scoped to one environment. The raw secret is never
// stored: keyHash is the hex SHA-256 of the full presented secret, and
// keyPrefix is the leading portion of the secret used to narrow lookup
// before the constant-time hash comparison.
type ApiKey struct {
	ID       string
	EnvID    string
	KeyPrefix string
	KeyHash   string
	// RevokedAt is the unix-millis revocation timestamp, zero if active.
	RevokedAt int64
}

// Revoked reports whether the key has been revoked.
func (k *ApiKey) Revoked() bool {
	return k.RevokedAt != 0
}
