package signer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
)

// ErrDeviceDisconnected is returned by a Device that is not plugged in.
var ErrDeviceDisconnected = errors.New("device disconnected")

// Device is the transport to a hardware token. Secret keys never leave
// it. The Authority bounds every call with its own timeout, whether or
// not the device watches ctx.
type Device interface {
	Connect(ctx context.Context) error
	Fingerprint(ctx context.Context) (uint32, error)
	PublicKey(ctx context.Context, path []uint32) (*btcec.PublicKey, error)
	Sign(ctx context.Context, req *SigningRequest) ([]byte, error)
	Forget(ctx context.Context, path []uint32) error
	Keys(ctx context.Context) ([]string, error)
}

// TokenProvider adapts a Device. Transport failures and deadlines are
// reported as unavailability.
type TokenProvider struct {
	name string
	dev  Device
}

// NewTokenProvider wraps dev.
func NewTokenProvider(name string, dev Device) *TokenProvider {
	return &TokenProvider{name: name, dev: dev}
}

func (t *TokenProvider) Name() string       { return t.name }
func (t *TokenProvider) Kind() ProviderKind { return HardwareToken }

// classify turns transport errors into UnavailableError and passes policy
// and key errors through.
func (t *TokenProvider) classify(err error) error {
	if err == nil {
		return nil
	}
	var perr *PolicyError
	if errors.As(err, &perr) {
		return &PolicyError{Provider: t.name, Reason: perr.Reason}
	}
	switch {
	case errors.Is(err, ErrUnknownKey),
		errors.Is(err, ErrInvalidDigest), errors.Is(err, ErrInvalidPath),
		errors.Is(err, context.Canceled):

		return err
	}
	return unavailable(t.name, err)
}

func (t *TokenProvider) Probe(ctx context.Context) error {
	if err := t.dev.Connect(ctx); err != nil {
		return t.classify(err)
	}
	_, err := t.dev.Fingerprint(ctx)
	return t.classify(err)
}

func (t *TokenProvider) GenerateKey(ctx context.Context,
	path []uint32) (*KeyHandle, error) {

	fp, err := t.dev.Fingerprint(ctx)
	if err != nil {
		return nil, t.classify(err)
	}
	pub, err := t.dev.PublicKey(ctx, path)
	if err != nil {
		return nil, t.classify(err)
	}
	return newKeyHandle(fp, path, pub), nil
}

func (t *TokenProvider) DeriveChild(ctx context.Context, parent *KeyHandle,
	index uint32, hardened bool) (*KeyHandle, error) {

	path, err := childPath(parent.Path, index, hardened)
	if err != nil {
		return nil, err
	}
	return t.GenerateKey(ctx, path)
}

func (t *TokenProvider) checkOwner(ctx context.Context, h *KeyHandle) error {
	fp, err := t.dev.Fingerprint(ctx)
	if err != nil {
		return t.classify(err)
	}
	if fp != h.Fingerprint {
		return &PolicyError{Provider: t.name,
			Reason: fmt.Sprintf("key %v not held by token %08x", h, fp)}
	}
	return nil
}

func (t *TokenProvider) PublicKey(ctx context.Context,
	h *KeyHandle) (*btcec.PublicKey, error) {

	if err := t.checkOwner(ctx, h); err != nil {
		return nil, err
	}
	pub, err := t.dev.PublicKey(ctx, h.Path)
	return pub, t.classify(err)
}

func (t *TokenProvider) Sign(ctx context.Context,
	req *SigningRequest) (*SigningResult, error) {

	if err := t.checkOwner(ctx, req.Handle); err != nil {
		return nil, err
	}
	sig, err := t.dev.Sign(ctx, req)
	if err != nil {
		return nil, t.classify(err)
	}
	return &SigningResult{
		Signature:   sig,
		Scheme:      req.Scheme,
		SigHashType: req.SigHashType,
		Provider:    t.name,
	}, nil
}

func (t *TokenProvider) Destroy(ctx context.Context, h *KeyHandle) error {
	return t.classify(t.dev.Forget(ctx, h.Path))
}

func (t *TokenProvider) Keys(ctx context.Context) ([]string, error) {
	ids, err := t.dev.Keys(ctx)
	if err != nil {
		return nil, t.classify(err)
	}
	return ids, nil
}

// SimulatedDevice is an in-process Device for tests and development. Its
// policy is enforced inside the device, as a real token's would be.
type SimulatedDevice struct {
	keys   *keychain
	policy Policy

	connected atomic.Bool
	latency   atomic.Int64
	signs     atomic.Int64
}

// NewSimulatedDevice returns a connected device holding seed.
func NewSimulatedDevice(seed []byte, net *chaincfg.Params,
	policy Policy) (*SimulatedDevice, error) {

	keys, err := newKeychain(seed, net)
	if err != nil {
		return nil, err
	}
	d := &SimulatedDevice{keys: keys, policy: policy}
	d.connected.Store(true)
	return d, nil
}

// SetConnected plugs or unplugs the device.
func (d *SimulatedDevice) SetConnected(c bool) { d.connected.Store(c) }

// SetLatency delays every call by l.
func (d *SimulatedDevice) SetLatency(l time.Duration) { d.latency.Store(int64(l)) }

// Signatures counts completed signing operations.
func (d *SimulatedDevice) Signatures() int64 { return d.signs.Load() }

func (d *SimulatedDevice) wait(ctx context.Context) error {
	if l := time.Duration(d.latency.Load()); l > 0 {
		t := time.NewTimer(l)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if !d.connected.Load() {
		return ErrDeviceDisconnected
	}
	return ctx.Err()
}

func (d *SimulatedDevice) Connect(ctx context.Context) error {
	return d.wait(ctx)
}

func (d *SimulatedDevice) Fingerprint(ctx context.Context) (uint32, error) {
	if !d.connected.Load() {
		return 0, ErrDeviceDisconnected
	}
	return d.keys.fingerprint, nil
}

func (d *SimulatedDevice) PublicKey(ctx context.Context,
	path []uint32) (*btcec.PublicKey, error) {

	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	if !d.policy.allowsPath(path) {
		return nil, &PolicyError{Provider: "token",
			Reason: "path outside allowed prefix"}
	}
	key, err := d.keys.derive(path)
	if err != nil {
		return nil, err
	}
	return key.ECPubKey()
}

func (d *SimulatedDevice) Sign(ctx context.Context,
	req *SigningRequest) ([]byte, error) {

	if err := d.policy.check("token", req); err != nil {
		return nil, err
	}
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	priv, err := d.keys.privKey("token", req.Handle)
	if err != nil {
		return nil, err
	}
	sig, err := signDigest(priv, req)
	if err != nil {
		return nil, err
	}
	d.signs.Add(1)
	return sig, nil
}

func (d *SimulatedDevice) Forget(ctx context.Context, path []uint32) error {
	if !d.connected.Load() {
		return ErrDeviceDisconnected
	}
	d.keys.forget(&KeyHandle{ID: KeyID(d.keys.fingerprint, path)})
	return nil
}

func (d *SimulatedDevice) Keys(ctx context.Context) ([]string, error) {
	if err := d.wait(ctx); err != nil {
		return nil, err
	}
	return d.keys.ids(), nil
}
