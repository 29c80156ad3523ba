package signer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/mit-dci/utxocheck/util"
)

// State of the provider chain.
type State int

const (
	Idle State = iota
	Probing
	Active
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Probing:
		return "Probing"
	case Active:
		return "Active"
	}
	return "Exhausted"
}

// AuthorityConfig tunes an Authority.
type AuthorityConfig struct {
	// CallTimeout bounds every provider call. Exceeding it counts as the
	// provider being unavailable.
	CallTimeout time.Duration

	// ProbeBackoff is the retry schedule for provider probes. Signing is
	// never retried on the same provider.
	ProbeBackoff util.Backoff
}

// DefaultAuthorityConfig suits hardware tokens that need a moment to
// answer.
var DefaultAuthorityConfig = AuthorityConfig{
	CallTimeout:  30 * time.Second,
	ProbeBackoff: util.Backoff{Attempts: 3, Base: 250 * time.Millisecond, Max: 2 * time.Second},
}

// Authority routes key operations to the first available provider of an
// ordered chain. The chain moves Idle -> Probing(i) -> Active(i), and from
// there to Probing(i+1) when provider i becomes unavailable, until a
// provider answers or the chain is Exhausted. Policy refusals end the
// operation without falling back.
type Authority struct {
	cfg       AuthorityConfig
	providers []Provider
	audit     AuditSink

	// activateMu serializes probing.
	activateMu sync.Mutex

	mu    sync.Mutex
	state State
	index int
}

// NewAuthority builds an authority over providers in fallback order.
func NewAuthority(cfg AuthorityConfig, audit AuditSink,
	providers ...Provider) (*Authority, error) {

	if len(providers) == 0 {
		return nil, errors.New("no signing providers")
	}
	seen := make(map[string]bool)
	for _, p := range providers {
		if seen[p.Name()] {
			return nil, fmt.Errorf("duplicate provider name %q", p.Name())
		}
		seen[p.Name()] = true
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultAuthorityConfig.CallTimeout
	}
	if audit == nil {
		audit = &MemoryAudit{}
	}
	return &Authority{
		cfg:       cfg,
		providers: providers,
		audit:     audit,
	}, nil
}

// State returns the chain state and the provider index it refers to.
func (a *Authority) State() (State, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, a.index
}

// Reset returns an exhausted or active chain to Idle so the next call
// probes from the first provider again.
func (a *Authority) Reset() {
	a.mu.Lock()
	a.state, a.index = Idle, 0
	a.mu.Unlock()
}

func (a *Authority) record(p, op string, ev AuditEvent, keyID, detail string) {
	rec := AuditRecord{
		Time:      time.Now(),
		Provider:  p,
		Event:     ev,
		Operation: op,
		KeyID:     keyID,
		Detail:    detail,
	}
	if err := a.audit.Record(rec); err != nil {
		log.Errorf("audit write failed: %v (record %v)", err, rec)
	}
	switch ev {
	case EventFallback, EventExhausted, EventPolicyRejected:
		log.Warnf("signer %v", rec)
	default:
		log.Debugf("signer %v", rec)
	}
}

func (a *Authority) setState(s State, i int) {
	a.mu.Lock()
	a.state, a.index = s, i
	a.mu.Unlock()
}

// active returns the active provider, probing down the chain first if
// needed.
func (a *Authority) active(ctx context.Context) (int, Provider, error) {
	a.activateMu.Lock()
	defer a.activateMu.Unlock()

	state, i := a.State()
	switch state {
	case Active:
		return i, a.providers[i], nil
	case Exhausted:
		return 0, nil, unavailable("authority", ErrExhausted)
	}

	for ; i < len(a.providers); i++ {
		p := a.providers[i]
		a.setState(Probing, i)

		err := util.Retry(ctx, a.cfg.ProbeBackoff, func(ctx context.Context) error {
			pctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
			defer cancel()
			_, err := call(pctx, p, nil, probe)
			return err
		})
		if err == nil {
			a.setState(Active, i)
			a.record(p.Name(), "probe", EventActivated, "", "")
			return i, p, nil
		}
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		a.record(p.Name(), "probe", EventFallback, "", err.Error())
	}

	a.setState(Exhausted, len(a.providers))
	a.record("authority", "probe", EventExhausted, "", "")
	return 0, nil, unavailable("authority", ErrExhausted)
}

// fallFrom moves past provider i if it is still the active one.
func (a *Authority) fallFrom(i int, op string, err error) {
	a.mu.Lock()
	moved := a.state == Active && a.index == i
	if moved {
		a.state, a.index = Probing, i+1
		if i+1 >= len(a.providers) {
			a.state = Exhausted
		}
	}
	a.mu.Unlock()

	if moved {
		a.record(a.providers[i].Name(), op, EventFallback, "", err.Error())
		if i+1 >= len(a.providers) {
			a.record("authority", op, EventExhausted, "", "")
		}
	}
}

func probe(ctx context.Context, p Provider) (struct{}, error) {
	return struct{}{}, p.Probe(ctx)
}

// call runs fn on its own goroutine and gives up when ctx ends, so a
// provider stuck in I/O cannot hold the caller past its deadline. h, when
// set, stays pending until fn really returns.
func call[T any](ctx context.Context, p Provider, h *KeyHandle,
	fn func(ctx context.Context, p Provider) (T, error)) (T, error) {

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	if h != nil {
		h.hold()
	}
	go func() {
		v, err := fn(ctx, p)
		if h != nil {
			h.release()
		}
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
	}
	select {
	case r := <-done:
		return r.v, r.err
	default:
		var zero T
		return zero, ctx.Err()
	}
}

// run calls fn against the active provider, moving down the chain while
// providers turn out to be unavailable. Each provider is tried at most
// once per call. It returns fn's value and the provider that produced it.
func run[T any](ctx context.Context, a *Authority, op string, h *KeyHandle,
	fn func(ctx context.Context, p Provider) (T, error)) (T, string, error) {

	var zero T
	keyID := ""
	if h != nil {
		keyID = h.ID
	}
	for {
		i, p, err := a.active(ctx)
		if err != nil {
			return zero, "", err
		}

		callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
		v, err := call(callCtx, p, h, fn)
		cancel()

		switch {
		case err == nil:
			return v, p.Name(), nil

		case ctx.Err() != nil:
			// The caller gave up; the provider is not at fault.
			return zero, "", ctx.Err()

		case errors.Is(err, ErrProviderUnavailable),
			errors.Is(err, context.DeadlineExceeded):

			a.fallFrom(i, op, err)
			continue
		}

		var perr *PolicyError
		if errors.As(err, &perr) {
			a.record(p.Name(), op, EventPolicyRejected, keyID, perr.Reason)
		} else {
			a.record(p.Name(), op, EventFailed, keyID, err.Error())
		}
		return zero, "", err
	}
}

// GenerateKey returns a handle for the key at path.
func (a *Authority) GenerateKey(ctx context.Context, path []uint32) (*KeyHandle, error) {
	h, name, err := run(ctx, a, "generate", nil,
		func(ctx context.Context, p Provider) (*KeyHandle, error) {
			return p.GenerateKey(ctx, path)
		})
	if err != nil {
		return nil, err
	}
	a.record(name, "generate", EventKeyGenerated, h.ID, "")
	return h, nil
}

// DeriveChild returns the BIP32 child of parent.
func (a *Authority) DeriveChild(ctx context.Context, parent *KeyHandle,
	index uint32, hardened bool) (*KeyHandle, error) {

	if err := parent.acquire(); err != nil {
		return nil, err
	}
	defer parent.release()

	h, name, err := run(ctx, a, "derive", parent,
		func(ctx context.Context, p Provider) (*KeyHandle, error) {
			return p.DeriveChild(ctx, parent, index, hardened)
		})
	if err != nil {
		return nil, err
	}
	a.record(name, "derive", EventKeyGenerated, h.ID, "")
	return h, nil
}

// PublicKey asks the active provider for the key behind h.
func (a *Authority) PublicKey(ctx context.Context, h *KeyHandle) (*btcec.PublicKey, error) {
	if err := h.acquire(); err != nil {
		return nil, err
	}
	defer h.release()

	pub, _, err := run(ctx, a, "pubkey", h,
		func(ctx context.Context, p Provider) (*btcec.PublicKey, error) {
			return p.PublicKey(ctx, h)
		})
	return pub, err
}

// Sign signs req.Digest with the key behind req.Handle. The handle cannot
// be destroyed until Sign and any provider call it gave up on return.
func (a *Authority) Sign(ctx context.Context, req *SigningRequest) (*SigningResult, error) {
	if req.Handle == nil {
		return nil, ErrUnknownKey
	}
	if err := req.Handle.acquire(); err != nil {
		return nil, err
	}
	defer req.Handle.release()

	res, name, err := run(ctx, a, "sign", req.Handle,
		func(ctx context.Context, p Provider) (*SigningResult, error) {
			return p.Sign(ctx, req)
		})
	if err != nil {
		return nil, err
	}
	a.record(name, "sign", EventSigned, req.Handle.ID,
		fmt.Sprintf("%v sighash 0x%02x", req.Scheme, uint32(req.SigHashType)))
	return res, nil
}

// ListKeys asks the active provider which keys it holds.
func (a *Authority) ListKeys(ctx context.Context) ([]string, error) {
	ids, _, err := run(ctx, a, "list", nil,
		func(ctx context.Context, p Provider) ([]string, error) {
			return p.Keys(ctx)
		})
	return ids, err
}

// Destroy refuses new work on h, waits for its pending operations and
// then has the providers forget it. If ctx ends first the providers are
// told once the operations drain.
func (a *Authority) Destroy(ctx context.Context, h *KeyHandle) error {
	drained, ok := h.markDestroyed()
	if !ok {
		return ErrHandleDestroyed
	}
	select {
	case <-drained:
		return a.forget(ctx, h)
	case <-ctx.Done():
		go func() {
			<-drained
			fctx, cancel := context.WithTimeout(context.Background(),
				a.cfg.CallTimeout)
			defer cancel()
			if err := a.forget(fctx, h); err != nil {
				log.Warnf("deferred destroy of %v: %v", h, err)
			}
		}()
		return ctx.Err()
	}
}

// forget tells every reachable provider to drop h.
func (a *Authority) forget(ctx context.Context, h *KeyHandle) error {
	var firstErr error
	for _, p := range a.providers {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
		_, err := call(callCtx, p, nil,
			func(ctx context.Context, p Provider) (struct{}, error) {
				return struct{}{}, p.Destroy(ctx, h)
			})
		cancel()
		switch {
		case err == nil:
			a.record(p.Name(), "destroy", EventKeyDestroyed, h.ID, "")
		case errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrUnknownKey):
		default:
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
