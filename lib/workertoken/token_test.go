// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package workertoken_test

import (
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/fleetwork/lib/workertoken"
)

// testTime is a fixed verification time; tokens in these tests are
// minted relative to it.
var testTime = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func mintWithKeys(t *testing.T, mutate func(*workertoken.Token)) (raw []byte, public []byte) {
	t.Helper()
	pub, private, err := workertoken.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	token := &workertoken.Token{
		WorkerID:  "worker/build-1",
		DeviceID:  "device/rack-7/slot-3",
		TenantID:  "tenant/acme",
		Audience:  workertoken.AudienceFleetwork,
		ID:        "abcdef0123456789",
		IssuedAt:  testTime.Unix(),
		ExpiresAt: testTime.Add(5 * time.Minute).Unix(),
	}
	if mutate != nil {
		mutate(token)
	}
	raw, err = workertoken.Mint(private, token)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	return raw, pub
}

func TestMintAndVerify(t *testing.T) {
	raw, public := mintWithKeys(t, nil)

	token, err := workertoken.VerifyAt(public, raw, testTime)
	if err != nil {
		t.Fatalf("VerifyAt: %v", err)
	}
	if token.WorkerID != "worker/build-1" {
		t.Errorf("WorkerID = %q, want %q", token.WorkerID, "worker/build-1")
	}
	if token.DeviceID != "device/rack-7/slot-3" {
		t.Errorf("DeviceID = %q, want %q", token.DeviceID, "device/rack-7/slot-3")
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	raw, public := mintWithKeys(t, nil)
	raw[0] ^= 0xff

	if _, err := workertoken.VerifyAt(public, raw, testTime); !errors.Is(err, workertoken.ErrInvalidSignature) {
		t.Errorf("VerifyAt of tampered token = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	raw, _ := mintWithKeys(t, nil)
	otherPublic, _, err := workertoken.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	if _, err := workertoken.VerifyAt(otherPublic, raw, testTime); !errors.Is(err, workertoken.ErrInvalidSignature) {
		t.Errorf("VerifyAt with wrong key = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyRejectsShortToken(t *testing.T) {
	_, public := mintWithKeys(t, nil)
	if _, err := workertoken.VerifyAt(public, make([]byte, 32), testTime); !errors.Is(err, workertoken.ErrTokenTooShort) {
		t.Errorf("VerifyAt of short token = %v, want ErrTokenTooShort", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	raw, public := mintWithKeys(t, nil)

	expired := testTime.Add(10 * time.Minute)
	if _, err := workertoken.VerifyAt(public, raw, expired); !errors.Is(err, workertoken.ErrTokenExpired) {
		t.Errorf("VerifyAt after expiry = %v, want ErrTokenExpired", err)
	}
}

func TestVerifyForAudience(t *testing.T) {
	raw, public := mintWithKeys(t, nil)

	if _, err := workertoken.VerifyForAudienceAt(public, raw, workertoken.AudienceFleetwork, testTime); err != nil {
		t.Errorf("VerifyForAudienceAt: %v", err)
	}

	raw, public = mintWithKeys(t, func(tok *workertoken.Token) {
		tok.Audience = "other-service"
	})
	if _, err := workertoken.VerifyForAudienceAt(public, raw, workertoken.AudienceFleetwork, testTime); !errors.Is(err, workertoken.ErrAudienceMismatch) {
		t.Errorf("VerifyForAudienceAt wrong audience = %v, want ErrAudienceMismatch", err)
	}
}

func TestKeypairRoundTrip(t *testing.T) {
	dir := t.TempDir()
	public, private, err := workertoken.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if err := workertoken.SaveKeypair(dir, public, private); err != nil {
		t.Fatalf("SaveKeypair: %v", err)
	}

	loadedPublic, loadedPrivate, err := workertoken.LoadKeypair(dir)
	if err != nil {
		t.Fatalf("LoadKeypair: %v", err)
	}
	if !loadedPublic.Equal(public) {
		t.Error("loaded public key differs from saved key")
	}
	if !loadedPrivate.Equal(private) {
		t.Error("loaded private key differs from saved key")
	}
}
