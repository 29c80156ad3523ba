// Package signer produces ECDSA and Schnorr signatures through
// interchangeable key custody providers. Keys are addressed by BIP32
// derivation path under a master fingerprint, so any provider holding the
// same master can serve a handle created by another. An Authority picks
// the provider to use and falls back along an ordered chain when one
// becomes unavailable.
package signer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/mit-dci/utxocheck/consensus"
	"github.com/mit-dci/utxocheck/interpreter"
)

// ProviderKind is the closed set of custody backends.
type ProviderKind int

const (
	Software ProviderKind = iota
	HardwareToken
	RemoteKMS
)

func (k ProviderKind) String() string {
	switch k {
	case Software:
		return "software"
	case HardwareToken:
		return "hardware-token"
	case RemoteKMS:
		return "remote-kms"
	}
	return fmt.Sprintf("ProviderKind(%d)", int(k))
}

// Scheme is a signature algorithm.
type Scheme int

const (
	ECDSA Scheme = iota
	Schnorr
)

func (s Scheme) String() string {
	if s == Schnorr {
		return "schnorr"
	}
	return "ecdsa"
}

var (
	// ErrProviderUnavailable is matched by every UnavailableError.
	ErrProviderUnavailable = errors.New("signing provider unavailable")

	// ErrExhausted is returned once every provider in the chain has been
	// found unavailable.
	ErrExhausted = errors.New("signing providers exhausted")

	ErrHandleDestroyed = errors.New("key handle destroyed")
	ErrUnknownKey      = errors.New("unknown key")
	ErrInvalidDigest   = errors.New("digest must be 32 bytes")
	ErrInvalidPath     = errors.New("invalid derivation path")
)

// UnavailableError reports a provider that cannot be reached or did not
// answer in time.
type UnavailableError struct {
	Provider string
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("provider %s unavailable: %v", e.Provider, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrProviderUnavailable) hold.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrProviderUnavailable
}

// ErrorClass implements consensus.Classed.
func (e *UnavailableError) ErrorClass() consensus.ErrorClass {
	return consensus.ProviderUnavailable
}

func unavailable(provider string, err error) error {
	return &UnavailableError{Provider: provider, Err: err}
}

// PolicyError is a request refused by a provider's own policy. It is
// never retried on another provider.
type PolicyError struct {
	Provider string
	Reason   string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("provider %s refused request: %s", e.Provider, e.Reason)
}

// ErrorClass implements consensus.Classed.
func (e *PolicyError) ErrorClass() consensus.ErrorClass {
	return consensus.SigningPolicyViolation
}

// KeyHandle refers to a key held by a provider. It carries public data
// only. A handle counts the signing operations using it; once destroyed it
// refuses new ones.
type KeyHandle struct {
	ID          string
	Path        []uint32
	Fingerprint uint32
	PubKey      *btcec.PublicKey

	mu        sync.Mutex
	pending   int
	destroyed bool
	drained   chan struct{}
}

func newKeyHandle(fingerprint uint32, path []uint32,
	pub *btcec.PublicKey) *KeyHandle {

	return &KeyHandle{
		ID:          KeyID(fingerprint, path),
		Path:        append([]uint32(nil), path...),
		Fingerprint: fingerprint,
		PubKey:      pub,
	}
}

func (h *KeyHandle) String() string {
	return h.ID
}

// acquire registers a pending operation.
func (h *KeyHandle) acquire() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return ErrHandleDestroyed
	}
	h.pending++
	return nil
}

// hold registers another pending operation for a caller that already
// acquired h, so it succeeds even once h is marked destroyed.
func (h *KeyHandle) hold() {
	h.mu.Lock()
	h.pending++
	h.mu.Unlock()
}

func (h *KeyHandle) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending--
	if h.destroyed && h.pending == 0 && h.drained != nil {
		close(h.drained)
		h.drained = nil
	}
}

// markDestroyed refuses further work and returns a channel closed once
// pending operations finish. ok is false if the handle was already
// destroyed.
func (h *KeyHandle) markDestroyed() (<-chan struct{}, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return nil, false
	}
	h.destroyed = true
	ch := make(chan struct{})
	if h.pending == 0 {
		close(ch)
	} else {
		h.drained = ch
	}
	return ch, true
}

// Destroyed reports whether Destroy was called on the handle.
func (h *KeyHandle) Destroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

// KeyID names a key by master fingerprint and path, for example
// "3442193e/m/84'/0'/0'".
func KeyID(fingerprint uint32, path []uint32) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%08x/m", fingerprint)
	for _, i := range path {
		if i >= hdkeychain.HardenedKeyStart {
			fmt.Fprintf(&b, "/%d'", i-hdkeychain.HardenedKeyStart)
		} else {
			fmt.Fprintf(&b, "/%d", i)
		}
	}
	return b.String()
}

// childPath appends one step to a parent path.
func childPath(parent []uint32, index uint32, hardened bool) ([]uint32, error) {
	if index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("%w: index %d out of range", ErrInvalidPath,
			index)
	}
	if hardened {
		index += hdkeychain.HardenedKeyStart
	}
	path := make([]uint32, len(parent)+1)
	copy(path, parent)
	path[len(parent)] = index
	return path, nil
}

// fingerprintOf is the BIP32 fingerprint of a public key.
func fingerprintOf(pub *btcec.PublicKey) uint32 {
	return binary.BigEndian.Uint32(btcutil.Hash160(pub.SerializeCompressed())[:4])
}

// TaprootTweak asks for a BIP341 key path signature: the key is tweaked
// with MerkleRoot before signing. A nil MerkleRoot is the BIP86 tweak.
type TaprootTweak struct {
	MerkleRoot []byte
}

// SigningRequest asks for a signature over Digest. SigHashType is checked
// against provider policy and appended by SigningResult.Serialize.
type SigningRequest struct {
	Handle       *KeyHandle
	Digest       []byte
	Scheme       Scheme
	SigHashType  interpreter.SigHashType
	TaprootTweak *TaprootTweak
}

// SigningResult is a signature and the provider that made it.
type SigningResult struct {
	Signature   []byte
	Scheme      Scheme
	SigHashType interpreter.SigHashType
	Provider    string
}

// Serialize returns the signature as it appears in a witness or script:
// with the hash type byte appended, except for Schnorr signatures using
// the default hash type.
func (r *SigningResult) Serialize() []byte {
	if r.Scheme == Schnorr && r.SigHashType == interpreter.SigHashDefault {
		return append([]byte(nil), r.Signature...)
	}
	out := make([]byte, len(r.Signature)+1)
	copy(out, r.Signature)
	out[len(r.Signature)] = byte(r.SigHashType)
	return out
}

// Provider is a key custody backend. Unreachable or timed out providers
// return errors matching ErrProviderUnavailable; requests refused on
// policy grounds return a *PolicyError.
type Provider interface {
	Name() string
	Kind() ProviderKind

	// Probe checks that the provider can serve requests.
	Probe(ctx context.Context) error

	// GenerateKey materializes the key at path under the provider's
	// master.
	GenerateKey(ctx context.Context, path []uint32) (*KeyHandle, error)

	// DeriveChild returns the BIP32 child of parent.
	DeriveChild(ctx context.Context, parent *KeyHandle, index uint32,
		hardened bool) (*KeyHandle, error)

	PublicKey(ctx context.Context, h *KeyHandle) (*btcec.PublicKey, error)
	Sign(ctx context.Context, req *SigningRequest) (*SigningResult, error)

	// Destroy forgets any material cached for h.
	Destroy(ctx context.Context, h *KeyHandle) error

	// Keys lists the ids of the keys the provider currently holds, sorted.
	Keys(ctx context.Context) ([]string, error)
}
