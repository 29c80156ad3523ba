package signer

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/julienschmidt/httprouter"
	"github.com/mit-dci/utxocheck/interpreter"
)

// Error codes a KMS returns in kmsError.Code.
const (
	kmsCodePolicy     = "policy"
	kmsCodeUnknownKey = "unknown_key"
	kmsCodeBadRequest = "bad_request"
)

type kmsError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type kmsHealth struct {
	Fingerprint uint32 `json:"fingerprint"`
}

type kmsKeyRequest struct {
	Path []uint32 `json:"path"`
}

type kmsKey struct {
	Fingerprint uint32   `json:"fingerprint"`
	Path        []uint32 `json:"path"`
	PubKey      string   `json:"pubkey"`
}

type kmsSignRequest struct {
	Fingerprint uint32   `json:"fingerprint"`
	Path        []uint32 `json:"path"`
	PubKey      string   `json:"pubkey"`
	Digest      string   `json:"digest"`
	Scheme      string   `json:"scheme"`
	SigHashType uint32   `json:"sighash"`
	Tweak       *string  `json:"taproot_merkle_root,omitempty"`
}

type kmsKeyList struct {
	Keys []string `json:"keys"`
}

type kmsSignature struct {
	Signature string `json:"signature"`
}

// KMSProvider signs through a remote key management service speaking
// JSON over HTTP.
type KMSProvider struct {
	name    string
	baseURL string
	token   string
	client  *http.Client
}

// NewKMSProvider talks to the service at baseURL. token, if set, is sent
// as a bearer token. A nil client uses http.DefaultClient; deadlines come
// from the request context.
func NewKMSProvider(name, baseURL, token string, client *http.Client) *KMSProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &KMSProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

func (k *KMSProvider) Name() string       { return k.name }
func (k *KMSProvider) Kind() ProviderKind { return RemoteKMS }

// call performs one request. A nil in sends a GET.
func (k *KMSProvider) call(ctx context.Context, path string, in, out interface{}) error {
	method := http.MethodGet
	var body io.Reader
	if in != nil {
		method = http.MethodPost
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, k.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if k.token != "" {
		req.Header.Set("Authorization", "Bearer "+k.token)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return unavailable(k.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("kms %s: decode %s: %w", k.name, path, err)
		}
		return nil
	}

	var kerr kmsError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&kerr)
	switch {
	case resp.StatusCode == http.StatusForbidden || kerr.Code == kmsCodePolicy:
		return &PolicyError{Provider: k.name, Reason: kerr.Error}
	case resp.StatusCode == http.StatusNotFound || kerr.Code == kmsCodeUnknownKey:
		return fmt.Errorf("%w: %s", ErrUnknownKey, kerr.Error)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return unavailable(k.name, fmt.Errorf("status %d: %s",
			resp.StatusCode, kerr.Error))
	}
	return fmt.Errorf("kms %s: status %d: %s", k.name, resp.StatusCode,
		kerr.Error)
}

func (k *KMSProvider) Probe(ctx context.Context) error {
	var h kmsHealth
	return k.call(ctx, "/v1/health", nil, &h)
}

func (k *KMSProvider) Keys(ctx context.Context) ([]string, error) {
	var list kmsKeyList
	if err := k.call(ctx, "/v1/keys", nil, &list); err != nil {
		return nil, err
	}
	return list.Keys, nil
}

func (k *KMSProvider) GenerateKey(ctx context.Context,
	path []uint32) (*KeyHandle, error) {

	var key kmsKey
	if err := k.call(ctx, "/v1/keys", kmsKeyRequest{Path: path}, &key); err != nil {
		return nil, err
	}
	pub, err := parseHexPubKey(key.PubKey)
	if err != nil {
		return nil, fmt.Errorf("kms %s: %w", k.name, err)
	}
	return newKeyHandle(key.Fingerprint, path, pub), nil
}

func (k *KMSProvider) DeriveChild(ctx context.Context, parent *KeyHandle,
	index uint32, hardened bool) (*KeyHandle, error) {

	path, err := childPath(parent.Path, index, hardened)
	if err != nil {
		return nil, err
	}
	return k.GenerateKey(ctx, path)
}

func (k *KMSProvider) PublicKey(ctx context.Context,
	h *KeyHandle) (*btcec.PublicKey, error) {

	got, err := k.GenerateKey(ctx, h.Path)
	if err != nil {
		return nil, err
	}
	if got.Fingerprint != h.Fingerprint {
		return nil, &PolicyError{Provider: k.name,
			Reason: fmt.Sprintf("key %v not held by this service", h)}
	}
	return got.PubKey, nil
}

func (k *KMSProvider) Sign(ctx context.Context,
	req *SigningRequest) (*SigningResult, error) {

	if len(req.Digest) != 32 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDigest, len(req.Digest))
	}
	in := kmsSignRequest{
		Fingerprint: req.Handle.Fingerprint,
		Path:        req.Handle.Path,
		Digest:      hex.EncodeToString(req.Digest),
		Scheme:      req.Scheme.String(),
		SigHashType: uint32(req.SigHashType),
	}
	if req.Handle.PubKey != nil {
		in.PubKey = hex.EncodeToString(req.Handle.PubKey.SerializeCompressed())
	}
	if req.TaprootTweak != nil {
		root := hex.EncodeToString(req.TaprootTweak.MerkleRoot)
		in.Tweak = &root
	}

	var out kmsSignature
	if err := k.call(ctx, "/v1/sign", in, &out); err != nil {
		return nil, err
	}
	sig, err := hex.DecodeString(out.Signature)
	if err != nil {
		return nil, fmt.Errorf("kms %s: signature: %w", k.name, err)
	}
	return &SigningResult{
		Signature:   sig,
		Scheme:      req.Scheme,
		SigHashType: req.SigHashType,
		Provider:    k.name,
	}, nil
}

func (k *KMSProvider) Destroy(ctx context.Context, h *KeyHandle) error {
	return k.call(ctx, "/v1/keys/destroy", kmsKeyRequest{Path: h.Path}, nil)
}

func parseHexPubKey(s string) (*btcec.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(b)
}

// KMSHandler serves the KMS protocol from a SoftwareProvider, so a
// software keychain can be run as a remote signing service.
func KMSHandler(p *SoftwareProvider) http.Handler {
	router := httprouter.New()

	writeJSON := func(w http.ResponseWriter, status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	writeErr := func(w http.ResponseWriter, err error) {
		var perr *PolicyError
		switch {
		case errors.As(err, &perr):
			writeJSON(w, http.StatusForbidden,
				kmsError{Error: perr.Reason, Code: kmsCodePolicy})
		case errors.Is(err, ErrUnknownKey):
			writeJSON(w, http.StatusNotFound,
				kmsError{Error: err.Error(), Code: kmsCodeUnknownKey})
		default:
			writeJSON(w, http.StatusBadRequest,
				kmsError{Error: err.Error(), Code: kmsCodeBadRequest})
		}
	}

	router.GET("/v1/health", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, kmsHealth{Fingerprint: p.Fingerprint()})
	})

	router.GET("/v1/keys", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		ids, err := p.Keys(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, kmsKeyList{Keys: ids})
	})

	router.POST("/v1/keys", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var in kmsKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeErr(w, err)
			return
		}
		h, err := p.GenerateKey(r.Context(), in.Path)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, kmsKey{
			Fingerprint: h.Fingerprint,
			Path:        h.Path,
			PubKey:      hex.EncodeToString(h.PubKey.SerializeCompressed()),
		})
	})

	router.POST("/v1/keys/destroy", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var in kmsKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeErr(w, err)
			return
		}
		h := newKeyHandle(p.Fingerprint(), in.Path, nil)
		if err := p.Destroy(r.Context(), h); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})

	router.POST("/v1/sign", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var in kmsSignRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeErr(w, err)
			return
		}
		req, err := decodeSignRequest(&in)
		if err != nil {
			writeErr(w, err)
			return
		}
		res, err := p.Sign(r.Context(), req)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, kmsSignature{
			Signature: hex.EncodeToString(res.Signature),
		})
	})

	return router
}

func decodeSignRequest(in *kmsSignRequest) (*SigningRequest, error) {
	digest, err := hex.DecodeString(in.Digest)
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	req := &SigningRequest{
		Handle:      newKeyHandle(in.Fingerprint, in.Path, nil),
		Digest:      digest,
		SigHashType: interpreter.SigHashType(in.SigHashType),
	}
	if in.PubKey != "" {
		pub, err := parseHexPubKey(in.PubKey)
		if err != nil {
			return nil, fmt.Errorf("pubkey: %w", err)
		}
		req.Handle.PubKey = pub
	}
	switch in.Scheme {
	case ECDSA.String():
		req.Scheme = ECDSA
	case Schnorr.String():
		req.Scheme = Schnorr
	default:
		return nil, fmt.Errorf("unknown scheme %q", in.Scheme)
	}
	if in.Tweak != nil {
		root, err := hex.DecodeString(*in.Tweak)
		if err != nil {
			return nil, fmt.Errorf("merkle root: %w", err)
		}
		if len(root) == 0 {
			root = nil
		}
		req.TaprootTweak = &TaprootTweak{MerkleRoot: root}
	}
	return req, nil
}
