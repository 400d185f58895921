package olm_test

import (
	"bytes"
	"testing"

	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
	"roomcrypt/internal/protocol/olm"
)

// makeAccount returns a fresh account with one unpublished one-time key.
func makeAccount(t *testing.T, user, device string) *domain.Account {
	t.Helper()
	identPriv, identPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	signPriv, signPub, err := crypto.GenerateEd25519()
	if err != nil {
		t.Fatalf("GenerateEd25519: %v", err)
	}
	otkPriv, otkPub, err := crypto.GenerateX25519()
	if err != nil {
		t.Fatalf("GenerateX25519: %v", err)
	}
	return &domain.Account{
		UserID:       domain.UserID(user),
		DeviceID:     domain.DeviceID(device),
		IdentityPriv: identPriv,
		IdentityPub:  identPub,
		SigningPriv:  signPriv,
		SigningPub:   signPub,
		OneTimeKeys: map[string]domain.OneTimeKey{
			"otk-1": {ID: "otk-1", Priv: otkPriv, Pub: otkPub},
		},
	}
}

func establish(t *testing.T) (*olm.Session, *olm.Session, *domain.Account, *domain.Account) {
	t.Helper()
	alice := makeAccount(t, "@alice:hs", "ALICE1")
	bob := makeAccount(t, "@bob:hs", "BOB1")

	claimed := domain.ClaimedOneTimeKey{
		UserID:   bob.UserID,
		DeviceID: bob.DeviceID,
		KeyID:    "otk-1",
		Key:      bob.OneTimeKeys["otk-1"].Pub,
	}
	out, err := olm.NewOutbound(alice.IdentityPriv, alice.IdentityPub, bob.IdentityPub, claimed)
	if err != nil {
		t.Fatalf("NewOutbound: %v", err)
	}

	msg, err := out.Encrypt([]byte("bootstrap"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !olm.IsPreKeyMessage(msg) {
		t.Fatal("first outbound message should be a pre-key message")
	}

	in, err := olm.NewInboundFromPreKey(bob, alice.IdentityPub, msg)
	if err != nil {
		t.Fatalf("NewInboundFromPreKey: %v", err)
	}
	if in.ID != out.ID {
		t.Fatalf("session ids disagree: %s vs %s", in.ID, out.ID)
	}
	if _, ok := bob.OneTimeKeys["otk-1"]; ok {
		t.Fatal("one-time key should be consumed")
	}
	pt, err := in.Decrypt(msg)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != "bootstrap" {
		t.Fatalf("got %q, want %q", pt, "bootstrap")
	}
	return out, in, alice, bob
}

func TestRoundTrip(t *testing.T) {
	out, in, _, _ := establish(t)

	for i, text := range []string{"first", "second", "third"} {
		msg, err := out.Encrypt([]byte(text))
		if err != nil {
			t.Fatalf("Encrypt %d: %v", i, err)
		}
		pt, err := in.Decrypt(msg)
		if err != nil {
			t.Fatalf("Decrypt %d: %v", i, err)
		}
		if string(pt) != text {
			t.Fatalf("got %q, want %q", pt, text)
		}
	}
}

func TestBidirectional(t *testing.T) {
	out, in, _, _ := establish(t)

	reply, err := in.Encrypt([]byte("pong"))
	if err != nil {
		t.Fatalf("Encrypt reply: %v", err)
	}
	if olm.IsPreKeyMessage(reply) {
		t.Fatal("responder messages must not carry pre-key fields")
	}
	pt, err := out.Decrypt(reply)
	if err != nil {
		t.Fatalf("Decrypt reply: %v", err)
	}
	if string(pt) != "pong" {
		t.Fatalf("got %q, want %q", pt, "pong")
	}

	// The initiator's next message drops the bootstrap fields.
	next, err := out.Encrypt([]byte("ping"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if olm.IsPreKeyMessage(next) {
		t.Fatal("bootstrap fields should be dropped after the first reply")
	}
	pt, err = in.Decrypt(next)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != "ping" {
		t.Fatalf("got %q, want %q", pt, "ping")
	}
}

func TestOutOfOrderDelivery(t *testing.T) {
	out, in, _, _ := establish(t)

	m1, err := out.Encrypt([]byte("one"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	m2, err := out.Encrypt([]byte("two"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Deliver the later message first; the earlier one uses a skipped key.
	if pt, err := in.Decrypt(m2); err != nil || string(pt) != "two" {
		t.Fatalf("Decrypt m2: %v %q", err, pt)
	}
	if pt, err := in.Decrypt(m1); err != nil || string(pt) != "one" {
		t.Fatalf("Decrypt m1: %v %q", err, pt)
	}
}

func TestPickleRoundTrip(t *testing.T) {
	out, in, _, _ := establish(t)

	raw, err := out.Pickle()
	if err != nil {
		t.Fatalf("Pickle: %v", err)
	}
	restored, err := olm.Unpickle(raw)
	if err != nil {
		t.Fatalf("Unpickle: %v", err)
	}

	msg, err := restored.Encrypt([]byte("after restore"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := in.Decrypt(msg)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, []byte("after restore")) {
		t.Fatalf("got %q", pt)
	}
}

func TestMissingOneTimeKey(t *testing.T) {
	alice := makeAccount(t, "@alice:hs", "ALICE1")
	bob := makeAccount(t, "@bob:hs", "BOB1")

	claimed := domain.ClaimedOneTimeKey{
		UserID: bob.UserID, DeviceID: bob.DeviceID,
		KeyID: "otk-1", Key: bob.OneTimeKeys["otk-1"].Pub,
	}
	out, err := olm.NewOutbound(alice.IdentityPriv, alice.IdentityPub, bob.IdentityPub, claimed)
	if err != nil {
		t.Fatalf("NewOutbound: %v", err)
	}
	msg, err := out.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	delete(bob.OneTimeKeys, "otk-1")
	if _, err := olm.NewInboundFromPreKey(bob, alice.IdentityPub, msg); err == nil {
		t.Fatal("expected failure for consumed one-time key")
	}
}
