package provider

import (
	"crypto/sha256"
	"encoding/hex"
)

// Mode selects how a client authenticates against the Network.
type Mode string

const (
	// ModeDelegated authenticates with an API key and signs through the
	// Network's external signing endpoint.
	ModeDelegated Mode = "delegated"
	// ModeLocal holds a wallet private key and signs in-process.
	ModeLocal Mode = "local"
)

// Credential is one named authentication material for the Network.
// Identity is the name; equivalence is the fingerprint of the secrets. A
// credential is never mutated in place: a changed secret means the old
// client is decommissioned and a new one built.
type Credential struct {
	Name       string
	PrivateKey string
	APIKey     string
}

// Valid reports whether at least one secret is present.
func (c Credential) Valid() bool {
	return c.PrivateKey != "" || c.APIKey != ""
}

// Mode returns the authentication mode the credential implies. An API key
// wins when both secrets are present: delegated mode is the primary path
// and the wallet key then only serves as a fallback signer.
func (c Credential) Mode() Mode {
	if c.APIKey != "" {
		return ModeDelegated
	}
	return ModeLocal
}

// Fingerprint hashes the secret material. Two credentials with equal
// fingerprints are interchangeable and must not disrupt a running client.
func (c Credential) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(c.PrivateKey))
	h.Write([]byte{0})
	h.Write([]byte(c.APIKey))
	return hex.EncodeToString(h.Sum(nil))
}
