package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcrypt/internal/domain"
	"roomcrypt/internal/engine"
	"roomcrypt/internal/errs"
	backupsvc "roomcrypt/internal/services/backup"
	crosssigningsvc "roomcrypt/internal/services/crosssigning"
	devicelistsvc "roomcrypt/internal/services/devicelist"
	gossipsvc "roomcrypt/internal/services/gossip"
	groupsvc "roomcrypt/internal/services/group"
	pairwisesvc "roomcrypt/internal/services/pairwise"
	"roomcrypt/internal/store"
	"roomcrypt/internal/transport/transporttest"
)

type partyOptions struct {
	rotationCount    uint32
	shareWithOwn     bool
	blacklistUnverif bool
	wrapTransport    func(domain.Transport) domain.Transport
}

// party is one device of one user, with its own store and engine, talking to
// the shared fake homeserver.
type party struct {
	t      *testing.T
	server *transporttest.Server
	user   domain.UserID
	device domain.DeviceID
	store  *store.Store
	backup domain.BackupService
	engine *engine.Engine
}

func newParty(t *testing.T, server *transporttest.Server, user domain.UserID, device domain.DeviceID, opts partyOptions) *party {
	t.Helper()
	if opts.rotationCount == 0 {
		opts.rotationCount = 100
	}

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var client domain.Transport = server.Client(user)
	if opts.wrapTransport != nil {
		client = opts.wrapTransport(client)
	}
	devices := devicelistsvc.New(st, client)
	trust := crosssigningsvc.New(st, user)
	pw := pairwisesvc.New(st, client)
	group := groupsvc.New(groupsvc.Config{
		RotationMessageCount: opts.rotationCount,
		RotationPeriod:       time.Hour,
		BlacklistUnverified:  opts.blacklistUnverif,
	}, st, client, devices, trust, pw)
	gossip := gossipsvc.New(gossipsvc.Config{
		ShareKeysWithOwnDevices: opts.shareWithOwn,
		RetryInterval:           time.Millisecond,
		MaxAttempts:             3,
		PollInterval:            time.Millisecond,
	}, st, st.Notifier(), client, devices, trust, pw)
	backup := backupsvc.New(backupsvc.Config{
		BatchSize:      10,
		UploadDebounce: time.Millisecond,
	}, st, st.Notifier(), client, group)

	p := &party{
		t:      t,
		server: server,
		user:   user,
		device: device,
		store:  st,
		backup: backup,
		engine: engine.New(st, st.Notifier(), client, devices, trust, pw, group, gossip, backup),
	}
	require.NoError(t, p.engine.EnsureAccount(context.Background(), user, device, 10))
	return p
}

// pump drains this device's to-device queue into the engine.
func (p *party) pump(ctx context.Context) {
	p.t.Helper()
	for _, d := range p.server.TakeDeliveries(p.user, p.device) {
		event := domain.ToDeviceEvent{Type: d.EventType, Sender: d.Sender, Content: d.Payload}
		require.NoError(p.t, p.engine.HandleToDeviceEvent(ctx, event))
	}
}

func (p *party) setMembers(roomID domain.RoomID, members ...domain.UserID) {
	p.t.Helper()
	require.NoError(p.t, p.store.SetMembers(roomID, members))
}

const room = domain.RoomID("!room:hs")

var messageBody = []byte(`{"body":"hello"}`)

func TestRoomMessageDelivery(t *testing.T) {
	server := transporttest.NewServer()
	alice := newParty(t, server, "@alice:hs", "A1", partyOptions{})
	bob := newParty(t, server, "@bob:hs", "B1", partyOptions{})
	ctx := context.Background()

	alice.setMembers(room, alice.user, bob.user)

	event, err := alice.engine.EncryptForRoom(ctx, room, "m.room.message", messageBody)
	require.NoError(t, err)
	assert.Equal(t, domain.AlgorithmMegolm, event.Algorithm)

	// The session key rode a pairwise channel to Bob's device.
	bob.pump(ctx)

	result := bob.engine.DecryptRoomEvent(ctx, event)
	require.NoError(t, result.Err)
	assert.JSONEq(t, string(messageBody), string(result.Plaintext))
	assert.Equal(t, "m.room.message", result.ClearEventType)
	assert.Equal(t, domain.SourceDirect, result.Source)
	assert.True(t, result.Trusted)

	// The sender reads their own traffic through the local inbound copy.
	own := alice.engine.DecryptRoomEvent(ctx, event)
	require.NoError(t, own.Err)
	assert.JSONEq(t, string(messageBody), string(own.Plaintext))
}

func TestSessionKeySharedOnce(t *testing.T) {
	server := transporttest.NewServer()
	alice := newParty(t, server, "@alice:hs", "A1", partyOptions{})
	bob := newParty(t, server, "@bob:hs", "B1", partyOptions{})
	ctx := context.Background()

	alice.setMembers(room, alice.user, bob.user)

	_, err := alice.engine.EncryptForRoom(ctx, room, "m.room.message", messageBody)
	require.NoError(t, err)
	first := server.TakeDeliveries(bob.user, bob.device)
	require.Len(t, first, 1)

	_, err = alice.engine.EncryptForRoom(ctx, room, "m.room.message", messageBody)
	require.NoError(t, err)
	assert.Empty(t, server.TakeDeliveries(bob.user, bob.device),
		"a device that holds the key is not re-shared to")
}

func TestRotationAfterMessageCount(t *testing.T) {
	server := transporttest.NewServer()
	alice := newParty(t, server, "@alice:hs", "A1", partyOptions{rotationCount: 2})
	ctx := context.Background()

	alice.setMembers(room, alice.user)

	first, err := alice.engine.EncryptForRoom(ctx, room, "m.room.message", messageBody)
	require.NoError(t, err)
	second, err := alice.engine.EncryptForRoom(ctx, room, "m.room.message", messageBody)
	require.NoError(t, err)
	third, err := alice.engine.EncryptForRoom(ctx, room, "m.room.message", messageBody)
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, second.SessionID, third.SessionID, "ceiling reached, session rotates")
}

func TestRotationOnMemberLeave(t *testing.T) {
	server := transporttest.NewServer()
	alice := newParty(t, server, "@alice:hs", "A1", partyOptions{})
	bob := newParty(t, server, "@bob:hs", "B1", partyOptions{})
	ctx := context.Background()

	alice.setMembers(room, alice.user, bob.user)

	before, err := alice.engine.EncryptForRoom(ctx, room, "m.room.message", messageBody)
	require.NoError(t, err)

	require.NoError(t, alice.engine.HandleMembershipChange(domain.MembershipChange{
		RoomID: room,
		Left:   []domain.UserID{bob.user},
	}))

	after, err := alice.engine.EncryptForRoom(ctx, room, "m.room.message", messageBody)
	require.NoError(t, err)
	assert.NotEqual(t, before.SessionID, after.SessionID,
		"a departed member must not read later messages")

	// Bob only ever received the pre-departure session.
	bob.pump(ctx)
	result := bob.engine.DecryptRoomEvent(ctx, after)
	require.Error(t, result.Err)
	assert.True(t, errs.Is(result.Err, errs.CodeUnknownSession))
}

func TestIdempotentRedelivery(t *testing.T) {
	server := transporttest.NewServer()
	alice := newParty(t, server, "@alice:hs", "A1", partyOptions{})
	bob := newParty(t, server, "@bob:hs", "B1", partyOptions{})
	ctx := context.Background()

	alice.setMembers(room, alice.user, bob.user)
	event, err := alice.engine.EncryptForRoom(ctx, room, "m.room.message", messageBody)
	require.NoError(t, err)
	bob.pump(ctx)

	first := bob.engine.DecryptRoomEvent(ctx, event)
	require.NoError(t, first.Err)
	redelivered := bob.engine.DecryptRoomEvent(ctx, event)
	require.NoError(t, redelivered.Err, "federation redelivery of the same ciphertext succeeds")
	assert.Equal(t, first.Plaintext, redelivered.Plaintext)
}

func TestKeyGossipBetweenOwnDevices(t *testing.T) {
	server := transporttest.NewServer()
	alice := newParty(t, server, "@alice:hs", "A1", partyOptions{})
	bob1 := newParty(t, server, "@bob:hs", "B1", partyOptions{shareWithOwn: true})
	bob2 := newParty(t, server, "@bob:hs", "B2", partyOptions{shareWithOwn: true})
	ctx := context.Background()

	alice.setMembers(room, alice.user, bob1.user)
	event, err := alice.engine.EncryptForRoom(ctx, room, "m.room.message", messageBody)
	require.NoError(t, err)

	// Only B1 existed when the key was shared; B2 starts without it.
	bob1.pump(ctx)
	missing := bob2.engine.DecryptRoomEvent(ctx, event)
	require.Error(t, missing.Err)
	require.True(t, errs.Is(missing.Err, errs.CodeUnknownSession))

	// The failed decrypt fired a key request toward B2's sibling devices.
	bob1.pump(ctx)
	bob2.pump(ctx)

	recovered := bob2.engine.DecryptRoomEvent(ctx, event)
	require.NoError(t, recovered.Err)
	assert.JSONEq(t, string(messageBody), string(recovered.Plaintext))
	assert.Equal(t, domain.SourceForwarded, recovered.Source)
	assert.False(t, recovered.Trusted, "gossiped keys carry forwarded provenance")
}

// consentListener collects surfaced key-share requests so a test can play
// the role of the user deciding on them.
type consentListener struct {
	requests []domain.GossipRequest
}

func (l *consentListener) OnRoomKeyRequest(r domain.GossipRequest) {
	l.requests = append(l.requests, r)
}
func (l *consentListener) OnRequestCancelled(domain.GossipRequest) {}

// surfacedRequest drives an unverified sibling device into requesting a key
// from holder, and returns the request holder's listener saw.
func surfacedRequest(t *testing.T, ctx context.Context, holder, requester *party, event domain.EncryptedEvent) domain.GossipRequest {
	t.Helper()
	listener := &consentListener{}
	holder.engine.AddGossipListener(listener)

	missing := requester.engine.DecryptRoomEvent(ctx, event)
	require.True(t, errs.Is(missing.Err, errs.CodeUnknownSession))

	holder.pump(ctx)
	require.Len(t, listener.requests, 1, "unverified sibling request reaches the listener")
	return listener.requests[0]
}

func TestKeyRequestRefusedForUnverifiedDevice(t *testing.T) {
	server := transporttest.NewServer()
	alice := newParty(t, server, "@alice:hs", "A1", partyOptions{})
	bob1 := newParty(t, server, "@bob:hs", "B1", partyOptions{})
	bob2 := newParty(t, server, "@bob:hs", "B2", partyOptions{})
	ctx := context.Background()

	alice.setMembers(room, alice.user, bob1.user)
	event, err := alice.engine.EncryptForRoom(ctx, room, "m.room.message", messageBody)
	require.NoError(t, err)
	bob1.pump(ctx)

	request := surfacedRequest(t, ctx, bob1, bob2, event)

	// Nothing moves until the user decides.
	bob2.pump(ctx)
	stillMissing := bob2.engine.DecryptRoomEvent(ctx, event)
	require.True(t, errs.Is(stillMissing.Err, errs.CodeUnknownSession))

	require.NoError(t, bob1.engine.RefuseKeyRequest(ctx, request.RequestID,
		domain.WithheldUnverified, "requesting device is not verified"))
	bob2.pump(ctx)

	refused := bob2.engine.DecryptRoomEvent(ctx, event)
	require.Error(t, refused.Err)
	assert.True(t, errs.Is(refused.Err, errs.CodeWithheldByPeer))
	require.NotNil(t, refused.Withheld)
	assert.Equal(t, domain.WithheldUnverified, refused.Withheld.Code)
}

func TestKeyRequestAcceptedAfterConsent(t *testing.T) {
	server := transporttest.NewServer()
	alice := newParty(t, server, "@alice:hs", "A1", partyOptions{})
	bob1 := newParty(t, server, "@bob:hs", "B1", partyOptions{})
	bob2 := newParty(t, server, "@bob:hs", "B2", partyOptions{})
	ctx := context.Background()

	alice.setMembers(room, alice.user, bob1.user)
	event, err := alice.engine.EncryptForRoom(ctx, room, "m.room.message", messageBody)
	require.NoError(t, err)
	bob1.pump(ctx)

	request := surfacedRequest(t, ctx, bob1, bob2, event)

	require.NoError(t, bob1.engine.AcceptKeyRequest(ctx, request.RequestID))
	bob2.pump(ctx)

	recovered := bob2.engine.DecryptRoomEvent(ctx, event)
	require.NoError(t, recovered.Err)
	assert.JSONEq(t, string(messageBody), string(recovered.Plaintext))
	assert.Equal(t, domain.SourceForwarded, recovered.Source)
}

func TestBlacklistUnverifiedWithholdsKey(t *testing.T) {
	server := transporttest.NewServer()
	alice := newParty(t, server, "@alice:hs", "A1", partyOptions{blacklistUnverif: true})
	bob := newParty(t, server, "@bob:hs", "B1", partyOptions{})
	ctx := context.Background()

	alice.setMembers(room, alice.user, bob.user)
	event, err := alice.engine.EncryptForRoom(ctx, room, "m.room.message", messageBody)
	require.NoError(t, err)

	bob.pump(ctx)
	result := bob.engine.DecryptRoomEvent(ctx, event)
	require.Error(t, result.Err)
	assert.True(t, errs.Is(result.Err, errs.CodeWithheldByPeer))
	require.NotNil(t, result.Withheld)
	assert.Equal(t, domain.WithheldUnverified, result.Withheld.Code)
}

func TestBackupRoundTrip(t *testing.T) {
	server := transporttest.NewServer()
	alice1 := newParty(t, server, "@alice:hs", "A1", partyOptions{})
	ctx := context.Background()

	alice1.setMembers(room, alice1.user)
	event, err := alice1.engine.EncryptForRoom(ctx, room, "m.room.message", messageBody)
	require.NoError(t, err)

	_, recoveryKey, err := alice1.backup.CreateVersion(ctx)
	require.NoError(t, err)
	uploaded, err := alice1.backup.UploadPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, uploaded)

	// A second upload has nothing left to send.
	again, err := alice1.backup.UploadPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, again)

	// A brand new device restores with only the recovery key.
	alice2 := newParty(t, server, "@alice:hs", "A2", partyOptions{})
	restored, err := alice2.backup.Restore(ctx, "", recoveryKey)
	require.NoError(t, err)
	require.Equal(t, 1, restored)

	result := alice2.engine.DecryptRoomEvent(ctx, event)
	require.NoError(t, result.Err)
	assert.JSONEq(t, string(messageBody), string(result.Plaintext))
	assert.Equal(t, domain.SourceBackup, result.Source)
	assert.False(t, result.Trusted, "backup proves possession, not provenance")
}

func TestRestoreRejectsWrongRecoveryKey(t *testing.T) {
	server := transporttest.NewServer()
	alice := newParty(t, server, "@alice:hs", "A1", partyOptions{})
	ctx := context.Background()

	_, _, err := alice.backup.CreateVersion(ctx)
	require.NoError(t, err)

	var wrong domain.Curve25519Private
	wrong[0] = 0x42
	_, err = alice.backup.Restore(ctx, "", wrong)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeBadRecoveryKey))
}

func TestKeyExportImport(t *testing.T) {
	server := transporttest.NewServer()
	alice := newParty(t, server, "@alice:hs", "A1", partyOptions{})
	bob1 := newParty(t, server, "@bob:hs", "B1", partyOptions{})
	bob2 := newParty(t, server, "@bob:hs", "B2", partyOptions{})
	ctx := context.Background()

	alice.setMembers(room, alice.user, bob1.user)
	event, err := alice.engine.EncryptForRoom(ctx, room, "m.room.message", messageBody)
	require.NoError(t, err)
	bob1.pump(ctx)

	blob, err := bob1.engine.ExportRoomKeys("horse battery staple")
	require.NoError(t, err)

	_, err = bob2.engine.ImportRoomKeys("wrong passphrase", blob)
	require.Error(t, err)

	count, err := bob2.engine.ImportRoomKeys("horse battery staple", blob)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	result := bob2.engine.DecryptRoomEvent(ctx, event)
	require.NoError(t, result.Err)
	assert.JSONEq(t, string(messageBody), string(result.Plaintext))
	assert.False(t, result.Trusted)
}

func TestNewInboundSessionNotification(t *testing.T) {
	server := transporttest.NewServer()
	alice := newParty(t, server, "@alice:hs", "A1", partyOptions{})
	bob := newParty(t, server, "@bob:hs", "B1", partyOptions{})
	ctx := context.Background()

	var arrived []domain.SessionID
	unsubscribe := bob.engine.OnNewInboundSession(func(roomID domain.RoomID, _ domain.Curve25519Public, sessionID domain.SessionID) {
		assert.Equal(t, room, roomID)
		arrived = append(arrived, sessionID)
	})
	defer unsubscribe()

	alice.setMembers(room, alice.user, bob.user)
	event, err := alice.engine.EncryptForRoom(ctx, room, "m.room.message", messageBody)
	require.NoError(t, err)
	bob.pump(ctx)

	require.Len(t, arrived, 1)
	assert.Equal(t, event.SessionID, arrived[0])
}

// flakyTransport fails the first n to-device sends, then behaves normally.
type flakyTransport struct {
	domain.Transport
	failures int
}

func (f *flakyTransport) SendToDevice(ctx context.Context, eventType string, userID domain.UserID, deviceID domain.DeviceID, payload json.RawMessage) error {
	if f.failures > 0 {
		f.failures--
		return errs.New(errs.CodeTransportFailure, "simulated outage")
	}
	return f.Transport.SendToDevice(ctx, eventType, userID, deviceID, payload)
}

func TestFailedKeyShareRetriedOnNextEncrypt(t *testing.T) {
	server := transporttest.NewServer()
	flaky := &flakyTransport{failures: 1}
	alice := newParty(t, server, "@alice:hs", "A1", partyOptions{
		wrapTransport: func(tr domain.Transport) domain.Transport {
			flaky.Transport = tr
			return flaky
		},
	})
	bob := newParty(t, server, "@bob:hs", "B1", partyOptions{})
	ctx := context.Background()

	alice.setMembers(room, alice.user, bob.user)

	// The outage swallows the room key; Bob receives nothing.
	_, err := alice.engine.EncryptForRoom(ctx, room, "m.room.message", messageBody)
	require.NoError(t, err)
	assert.Empty(t, server.TakeDeliveries(bob.user, bob.device))

	// The next encrypt notices the share never landed and resends it.
	second, err := alice.engine.EncryptForRoom(ctx, room, "m.room.message", messageBody)
	require.NoError(t, err)

	bob.pump(ctx)
	recovered := bob.engine.DecryptRoomEvent(ctx, second)
	require.NoError(t, recovered.Err)
	assert.JSONEq(t, string(messageBody), string(recovered.Plaintext))
}
