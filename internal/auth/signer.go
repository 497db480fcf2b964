// Package auth produces MESSAGE:SIGNATURE tokens for compute-node
// authentication.
//
// Two modes exist and are fixed per provider client at construction: local
// signing with an ed25519 wallet key, and delegated signing through the
// Network's external signing endpoint with a bounded-TTL cache.
package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"golang.org/x/sync/singleflight"
)

// TokenTTL bounds how long a delegated signature may be reused.
const TokenTTL = 5 * time.Minute

// ErrAuthUnavailable indicates the signing backend could not be reached.
var ErrAuthUnavailable = errors.New("auth: signer unavailable")

// RejectedError indicates the delegated signing endpoint refused the request.
type RejectedError struct {
	Status int
	Err    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("auth: signing rejected (status %d): %v", e.Status, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Signer produces node-auth tokens of the form "MESSAGE:SIGNATURE".
type Signer interface {
	// Token signs message and returns the full authorization value.
	Token(ctx context.Context, message string) (string, error)
	// Address returns the signing identity's public address.
	Address() string
	// Invalidate drops any cached signature for message. Callers invoke it
	// after a node rejects a cached token, then retry once.
	Invalidate(message string)
}

// LocalSigner signs with an in-process ed25519 wallet key. No network I/O,
// no cache.
type LocalSigner struct {
	key     ed25519.PrivateKey
	address string
}

// NewLocalSigner decodes a wallet secret and builds a local signer. The
// secret is accepted either as a base58-encoded 64-byte ed25519 key (the
// common wallet export format) or as a JSON byte array.
func NewLocalSigner(secret string) (*LocalSigner, error) {
	raw := base58.Decode(secret)
	if len(raw) != ed25519.PrivateKeySize {
		var arr []byte
		if err := json.Unmarshal([]byte(secret), &arr); err == nil {
			raw = arr
		}
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("auth: private key must decode to %d bytes", ed25519.PrivateKeySize)
	}
	key := ed25519.PrivateKey(raw)
	pub := key.Public().(ed25519.PublicKey)
	return &LocalSigner{
		key:     key,
		address: base58.Encode(pub),
	}, nil
}

// Token implements Signer.
func (s *LocalSigner) Token(_ context.Context, message string) (string, error) {
	sig := ed25519.Sign(s.key, []byte(message))
	return message + ":" + base58.Encode(sig), nil
}

// Address implements Signer.
func (s *LocalSigner) Address() string { return s.address }

// Invalidate is a noop; local signatures are never cached.
func (s *LocalSigner) Invalidate(string) {}

// SignFunc asks the Network to sign message on behalf of the delegated
// credential, returning the signature, the echoed message and the signing
// address.
type SignFunc func(ctx context.Context, message string) (signature, message2, userAddress string, err error)

type cachedToken struct {
	signature   string
	userAddress string
	issuedAt    time.Time
}

// DelegatedSigner signs through the Network's external signing endpoint and
// caches results per message for TokenTTL. Concurrent signings of the same
// message are deduplicated with a single-flight group.
type DelegatedSigner struct {
	sign SignFunc
	now  func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken

	group   singleflight.Group
	address string
}

// NewDelegatedSigner creates a delegated signer.
func NewDelegatedSigner(sign SignFunc) *DelegatedSigner {
	return &DelegatedSigner{
		sign:  sign,
		now:   time.Now,
		cache: make(map[string]cachedToken),
	}
}

// Token implements Signer. A cache hit requires an exact message match and
// an entry younger than TokenTTL.
func (s *DelegatedSigner) Token(ctx context.Context, message string) (string, error) {
	s.mu.Lock()
	entry, ok := s.cache[message]
	if ok && s.now().Sub(entry.issuedAt) < TokenTTL {
		s.mu.Unlock()
		return message + ":" + entry.signature, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do(message, func() (any, error) {
		signature, _, userAddress, err := s.sign(ctx, message)
		if err != nil {
			return nil, err
		}
		entry := cachedToken{
			signature:   signature,
			userAddress: userAddress,
			issuedAt:    s.now(),
		}
		s.mu.Lock()
		s.cache[message] = entry
		s.address = userAddress
		s.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return "", err
	}
	return message + ":" + v.(cachedToken).signature, nil
}

// Address returns the delegated signing address observed on the most recent
// successful signing, or "" before the first one.
func (s *DelegatedSigner) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// Invalidate implements Signer.
func (s *DelegatedSigner) Invalidate(message string) {
	s.mu.Lock()
	delete(s.cache, message)
	s.mu.Unlock()
}
