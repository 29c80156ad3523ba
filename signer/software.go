package signer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// keychain derives keys from a BIP32 master and caches them by id. It is
// shared by the software provider and the simulated token.
type keychain struct {
	master      *hdkeychain.ExtendedKey
	fingerprint uint32

	mu    sync.Mutex
	cache map[string]*hdkeychain.ExtendedKey
}

func newKeychain(seed []byte, net *chaincfg.Params) (*keychain, error) {
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	pub, err := master.ECPubKey()
	if err != nil {
		return nil, err
	}
	return &keychain{
		master:      master,
		fingerprint: fingerprintOf(pub),
		cache:       make(map[string]*hdkeychain.ExtendedKey),
	}, nil
}

func (k *keychain) derive(path []uint32) (*hdkeychain.ExtendedKey, error) {
	if len(path) == 0 {
		return k.master, nil
	}
	id := KeyID(k.fingerprint, path)

	k.mu.Lock()
	defer k.mu.Unlock()
	if key, ok := k.cache[id]; ok {
		return key, nil
	}
	key := k.master
	for _, i := range path {
		child, err := key.Derive(i)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPath, id, err)
		}
		key = child
	}
	k.cache[id] = key
	return key, nil
}

func (k *keychain) handle(path []uint32) (*KeyHandle, error) {
	key, err := k.derive(path)
	if err != nil {
		return nil, err
	}
	pub, err := key.ECPubKey()
	if err != nil {
		return nil, err
	}
	return newKeyHandle(k.fingerprint, path, pub), nil
}

// privKey returns the private key for h after checking h belongs to this
// master.
func (k *keychain) privKey(provider string, h *KeyHandle) (*btcec.PrivateKey, error) {
	if h.Fingerprint != k.fingerprint {
		return nil, &PolicyError{Provider: provider,
			Reason: fmt.Sprintf("key %v not held under master %08x", h,
				k.fingerprint)}
	}
	key, err := k.derive(h.Path)
	if err != nil {
		return nil, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	if h.PubKey != nil && !priv.PubKey().IsEqual(h.PubKey) {
		return nil, &PolicyError{Provider: provider,
			Reason: fmt.Sprintf("key %v does not match handle", h)}
	}
	return priv, nil
}

func (k *keychain) ids() []string {
	k.mu.Lock()
	ids := make([]string, 0, len(k.cache))
	for id := range k.cache {
		ids = append(ids, id)
	}
	k.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (k *keychain) forget(h *KeyHandle) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	key, ok := k.cache[h.ID]
	if !ok {
		return false
	}
	key.Zero()
	delete(k.cache, h.ID)
	return true
}

// SoftwareProvider keeps a BIP32 master in process memory.
type SoftwareProvider struct {
	name   string
	policy Policy
	keys   *keychain
}

// NewSoftwareProvider builds a provider from a BIP32 seed.
func NewSoftwareProvider(name string, seed []byte, net *chaincfg.Params,
	policy Policy) (*SoftwareProvider, error) {

	keys, err := newKeychain(seed, net)
	if err != nil {
		return nil, err
	}
	return &SoftwareProvider{name: name, policy: policy, keys: keys}, nil
}

func (s *SoftwareProvider) Name() string       { return s.name }
func (s *SoftwareProvider) Kind() ProviderKind { return Software }

// Fingerprint is the master key fingerprint.
func (s *SoftwareProvider) Fingerprint() uint32 { return s.keys.fingerprint }

// Probe always succeeds unless ctx is done.
func (s *SoftwareProvider) Probe(ctx context.Context) error {
	return ctx.Err()
}

func (s *SoftwareProvider) GenerateKey(ctx context.Context,
	path []uint32) (*KeyHandle, error) {

	if !s.policy.allowsPath(path) {
		return nil, &PolicyError{Provider: s.name,
			Reason: "path outside allowed prefix"}
	}
	return s.keys.handle(path)
}

func (s *SoftwareProvider) DeriveChild(ctx context.Context, parent *KeyHandle,
	index uint32, hardened bool) (*KeyHandle, error) {

	path, err := childPath(parent.Path, index, hardened)
	if err != nil {
		return nil, err
	}
	return s.GenerateKey(ctx, path)
}

func (s *SoftwareProvider) PublicKey(ctx context.Context,
	h *KeyHandle) (*btcec.PublicKey, error) {

	priv, err := s.keys.privKey(s.name, h)
	if err != nil {
		return nil, err
	}
	return priv.PubKey(), nil
}

func (s *SoftwareProvider) Sign(ctx context.Context,
	req *SigningRequest) (*SigningResult, error) {

	if err := s.policy.check(s.name, req); err != nil {
		return nil, err
	}
	priv, err := s.keys.privKey(s.name, req.Handle)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sig, err := signDigest(priv, req)
	if err != nil {
		return nil, err
	}
	return &SigningResult{
		Signature:   sig,
		Scheme:      req.Scheme,
		SigHashType: req.SigHashType,
		Provider:    s.name,
	}, nil
}

func (s *SoftwareProvider) Destroy(ctx context.Context, h *KeyHandle) error {
	s.keys.forget(h)
	return nil
}

func (s *SoftwareProvider) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.keys.ids(), nil
}
