// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workertoken

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/fleetwork/lib/codec"
)

// signatureSize is the fixed size of an Ed25519 signature.
const signatureSize = ed25519.SignatureSize // 64 bytes

// Token is the CBOR-encoded payload of a worker identity token.
type Token struct {
	// WorkerID is the identifier of the worker this token
	// authenticates. Requests carrying this token may only act on
	// this worker's behalf.
	WorkerID string `cbor:"1,keyasint"`

	// DeviceID identifies the physical or virtual device the worker
	// was provisioned on. Binding tokens to devices means a leaked
	// token cannot be replayed from a re-provisioned host without
	// detection by the provisioning collaborator.
	DeviceID string `cbor:"2,keyasint"`

	// TenantID is the owning tenant. The server scopes every lookup
	// by tenant; a token cannot cross tenant boundaries.
	TenantID string `cbor:"3,keyasint"`

	// Audience is the service this token is scoped to. The
	// orchestration server only accepts "fleetwork".
	Audience string `cbor:"4,keyasint"`

	// ID is a unique token identifier (hex string), reserved for
	// emergency revocation.
	ID string `cbor:"5,keyasint"`

	// IssuedAt is a Unix timestamp (seconds) of when the token was
	// minted.
	IssuedAt int64 `cbor:"6,keyasint"`

	// ExpiresAt is a Unix timestamp (seconds) after which this token
	// is no longer valid.
	ExpiresAt int64 `cbor:"7,keyasint"`
}

// Audience value accepted by the orchestration server.
const AudienceFleetwork = "fleetwork"

// Errors returned by Verify and related functions.
var (
	ErrTokenTooShort    = errors.New("workertoken: token too short for signature")
	ErrInvalidSignature = errors.New("workertoken: invalid Ed25519 signature")
	ErrTokenExpired     = errors.New("workertoken: token has expired")
	ErrAudienceMismatch = errors.New("workertoken: audience does not match")
)

// Mint signs a Token with the provisioning private key and returns the
// raw wire-format bytes: CBOR-encoded payload followed by the 64-byte
// Ed25519 signature.
func Mint(privateKey ed25519.PrivateKey, token *Token) ([]byte, error) {
	payload, err := codec.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("workertoken: encoding token payload: %w", err)
	}

	signature := ed25519.Sign(privateKey, payload)

	result := make([]byte, len(payload)+signatureSize)
	copy(result, payload)
	copy(result[len(payload):], signature)

	return result, nil
}

// Verify splits the raw token bytes, verifies the Ed25519 signature,
// CBOR-decodes the payload, and checks expiry. Returns the decoded
// Token on success.
//
// The caller should additionally check the Audience field via
// VerifyForAudience and compare WorkerID against the worker the
// request acts on.
func Verify(publicKey ed25519.PublicKey, tokenBytes []byte) (*Token, error) {
	return VerifyAt(publicKey, tokenBytes, time.Now())
}

// VerifyAt is like Verify but accepts an explicit time for expiry
// checks. This supports deterministic testing.
func VerifyAt(publicKey ed25519.PublicKey, tokenBytes []byte, now time.Time) (*Token, error) {
	if len(tokenBytes) <= signatureSize {
		return nil, ErrTokenTooShort
	}

	splitPoint := len(tokenBytes) - signatureSize
	payload := tokenBytes[:splitPoint]
	signature := tokenBytes[splitPoint:]

	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var token Token
	if err := codec.Unmarshal(payload, &token); err != nil {
		return nil, fmt.Errorf("workertoken: decoding token payload: %w", err)
	}

	if now.Unix() >= token.ExpiresAt {
		return nil, ErrTokenExpired
	}

	return &token, nil
}

// VerifyForAudience combines Verify with an audience check. This is
// the standard verification path for the server: verify signature,
// check expiry, and confirm the token is scoped to this service.
func VerifyForAudience(publicKey ed25519.PublicKey, tokenBytes []byte, expectedAudience string) (*Token, error) {
	return VerifyForAudienceAt(publicKey, tokenBytes, expectedAudience, time.Now())
}

// VerifyForAudienceAt is like VerifyForAudience but accepts an
// explicit time.
func VerifyForAudienceAt(publicKey ed25519.PublicKey, tokenBytes []byte, expectedAudience string, now time.Time) (*Token, error) {
	token, err := VerifyAt(publicKey, tokenBytes, now)
	if err != nil {
		return nil, err
	}

	if token.Audience != expectedAudience {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrAudienceMismatch, token.Audience, expectedAudience)
	}

	return token, nil
}
