package pairwise_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
	"roomcrypt/internal/errs"
	"roomcrypt/internal/services/pairwise"
	"roomcrypt/internal/store"
	"roomcrypt/internal/transport/transporttest"
)

// endpoint is one device with its own store and pairwise manager.
type endpoint struct {
	account domain.Account
	store   *store.Store
	svc     *pairwise.Service
}

func newEndpoint(t *testing.T, server *transporttest.Server, user domain.UserID, device domain.DeviceID, oneTimeKeys int) *endpoint {
	t.Helper()

	identPriv, identPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	signPriv, signPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	account := domain.Account{
		UserID:       user,
		DeviceID:     device,
		IdentityPriv: identPriv,
		IdentityPub:  identPub,
		SigningPriv:  signPriv,
		SigningPub:   signPub,
		OneTimeKeys:  make(map[string]domain.OneTimeKey),
	}
	published := make(map[string]string)
	for i := 0; i < oneTimeKeys; i++ {
		priv, pub, err := crypto.GenerateX25519()
		require.NoError(t, err)
		id := "otk_" + crypto.Fingerprint(pub.Slice())
		account.OneTimeKeys[id] = domain.OneTimeKey{ID: id, Priv: priv, Pub: pub}
		published[id] = pub.B64()
	}

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.SaveAccount(account))

	client := server.Client(user)
	require.NoError(t, client.UploadDeviceKeys(context.Background(), domain.DeviceKeys{
		UserID:      user,
		DeviceID:    device,
		IdentityKey: identPub.B64(),
		SigningKey:  signPub.B64(),
	}, published))

	return &endpoint{
		account: account,
		store:   st,
		svc:     pairwise.New(st, client),
	}
}

func (e *endpoint) device() domain.Device {
	return domain.Device{
		UserID:      e.account.UserID,
		DeviceID:    e.account.DeviceID,
		IdentityKey: e.account.IdentityPub,
		SigningKey:  e.account.SigningPub,
	}
}

func TestEncryptDecryptBothDirections(t *testing.T) {
	server := transporttest.NewServer()
	alice := newEndpoint(t, server, "@alice:hs", "A1", 2)
	bob := newEndpoint(t, server, "@bob:hs", "B1", 2)
	ctx := context.Background()

	envelope, err := alice.svc.Encrypt(ctx, bob.device(), "m.test", map[string]string{"body": "hi bob"})
	require.NoError(t, err)
	assert.Equal(t, domain.OlmMessagePreKey, envelope.Type)
	assert.Equal(t, alice.account.IdentityPub, envelope.SenderKey)

	clear, err := bob.svc.Decrypt(ctx, envelope)
	require.NoError(t, err)
	var plain pairwise.Plaintext
	require.NoError(t, json.Unmarshal(clear, &plain))
	assert.Equal(t, "m.test", plain.Type)
	assert.Equal(t, alice.account.UserID, plain.Sender)
	assert.Equal(t, bob.account.UserID, plain.Recipient)
	assert.JSONEq(t, `{"body":"hi bob"}`, string(plain.Content))

	// The reply rides the established session; no one-time key is claimed.
	server.DropOneTimeKeys(alice.account.UserID, alice.account.DeviceID)
	reply, err := bob.svc.Encrypt(ctx, alice.device(), "m.test", map[string]string{"body": "hi alice"})
	require.NoError(t, err)

	clear, err = alice.svc.Decrypt(ctx, reply)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(clear, &plain))
	assert.JSONEq(t, `{"body":"hi alice"}`, string(plain.Content))

	// Once settled, messages are plain ratchet traffic.
	envelope, err = alice.svc.Encrypt(ctx, bob.device(), "m.test", map[string]string{"body": "again"})
	require.NoError(t, err)
	assert.Equal(t, domain.OlmMessageNormal, envelope.Type)
	_, err = bob.svc.Decrypt(ctx, envelope)
	require.NoError(t, err)
}

func TestEnsureSessionWithoutOneTimeKeys(t *testing.T) {
	server := transporttest.NewServer()
	alice := newEndpoint(t, server, "@alice:hs", "A1", 2)
	bob := newEndpoint(t, server, "@bob:hs", "B1", 0)

	_, err := alice.svc.EnsureSession(context.Background(), bob.device())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeNoOneTimeKey))
}

func TestEnsureSessionReusesActive(t *testing.T) {
	server := transporttest.NewServer()
	alice := newEndpoint(t, server, "@alice:hs", "A1", 2)
	bob := newEndpoint(t, server, "@bob:hs", "B1", 1)
	ctx := context.Background()

	first, err := alice.svc.EnsureSession(ctx, bob.device())
	require.NoError(t, err)

	// The single one-time key is gone, yet the session is reused.
	second, err := alice.svc.EnsureSession(ctx, bob.device())
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
}

func TestDecryptWithoutSessionFails(t *testing.T) {
	server := transporttest.NewServer()
	bob := newEndpoint(t, server, "@bob:hs", "B1", 1)

	body, err := json.Marshal(map[string]any{"header": map[string]any{"rk": []byte{1}, "n": 0}, "ciphertext": []byte{1, 2}})
	require.NoError(t, err)
	_, err = bob.svc.Decrypt(context.Background(), domain.OlmEnvelope{
		Type:      domain.OlmMessageNormal,
		SenderKey: domain.Curve25519Public{9},
		SessionID: "nope",
		Body:      body,
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeBadMessage))
}

func TestReplayedPreKeyMessageRejected(t *testing.T) {
	server := transporttest.NewServer()
	alice := newEndpoint(t, server, "@alice:hs", "A1", 2)
	bob := newEndpoint(t, server, "@bob:hs", "B1", 2)
	ctx := context.Background()

	envelope, err := alice.svc.Encrypt(ctx, bob.device(), "m.test", map[string]string{"body": "hi"})
	require.NoError(t, err)
	_, err = bob.svc.Decrypt(ctx, envelope)
	require.NoError(t, err)

	// Its message key was consumed with the first decrypt; a replay cannot
	// re-derive it, and the burned one-time key is not consulted again.
	before := otkCount(t, bob)
	_, err = bob.svc.Decrypt(ctx, envelope)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeBadMessage))
	assert.Equal(t, before, otkCount(t, bob))
}

func otkCount(t *testing.T, e *endpoint) int {
	t.Helper()
	account, ok, err := e.store.LoadAccount()
	require.NoError(t, err)
	require.True(t, ok)
	return len(account.OneTimeKeys)
}

func TestSessionCreationTimeIsStable(t *testing.T) {
	server := transporttest.NewServer()
	alice := newEndpoint(t, server, "@alice:hs", "A1", 2)
	bob := newEndpoint(t, server, "@bob:hs", "B1", 2)
	ctx := context.Background()

	established, err := alice.svc.EnsureSession(ctx, bob.device())
	require.NoError(t, err)

	// Age the stored record, then keep using the session.
	aged := established
	aged.CreatedAt -= 3600
	require.NoError(t, alice.store.SavePairwiseSession(aged))

	_, err = alice.svc.Encrypt(ctx, bob.device(), "m.test", map[string]string{"body": "hi"})
	require.NoError(t, err)

	record, ok, err := alice.store.PairwiseSessionByID(established.PeerKey, established.SessionID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, aged.CreatedAt, record.CreatedAt,
		"ratchet steps do not reset the creation time")
	assert.GreaterOrEqual(t, record.LastUsedAt, established.LastUsedAt)
}
