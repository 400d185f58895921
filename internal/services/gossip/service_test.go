package gossip_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
	crosssigningsvc "roomcrypt/internal/services/crosssigning"
	devicelistsvc "roomcrypt/internal/services/devicelist"
	"roomcrypt/internal/services/gossip"
	pairwisesvc "roomcrypt/internal/services/pairwise"
	"roomcrypt/internal/store"
	"roomcrypt/internal/transport/transporttest"
)

const room = domain.RoomID("!r:hs")

var creatorKey = domain.Curve25519Public{0xaa}

func newService(t *testing.T, cfg gossip.Config) (*gossip.Service, *store.Store, *transporttest.Server) {
	t.Helper()
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Millisecond
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	identPriv, identPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	signPriv, signPub, err := crypto.GenerateEd25519()
	require.NoError(t, err)
	require.NoError(t, st.SaveAccount(domain.Account{
		UserID:       "@alice:hs",
		DeviceID:     "A1",
		IdentityPriv: identPriv,
		IdentityPub:  identPub,
		SigningPriv:  signPriv,
		SigningPub:   signPub,
		OneTimeKeys:  map[string]domain.OneTimeKey{},
	}))

	server := transporttest.NewServer()
	client := server.Client("@alice:hs")
	devices := devicelistsvc.New(st, client)
	trust := crosssigningsvc.New(st, "@alice:hs")
	pw := pairwisesvc.New(st, client)
	svc := gossip.New(cfg, st, st.Notifier(), client, devices, trust, pw)
	return svc, st, server
}

func requestBody() domain.RoomKeyRequestBody {
	return domain.RoomKeyRequestBody{
		Algorithm: domain.AlgorithmMegolm,
		RoomID:    room,
		SenderKey: creatorKey.B64(),
		SessionID: "sess",
	}
}

func TestRequestIsIdempotentWhileOpen(t *testing.T) {
	svc, st, _ := newService(t, gossip.Config{})
	ctx := context.Background()

	first, err := svc.RequestSessionIfMissing(ctx, requestBody())
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := svc.RequestSessionIfMissing(ctx, requestBody())
	require.NoError(t, err)
	assert.Equal(t, first, second, "an open request is reused, not duplicated")

	stored, ok, err := st.GossipRequest(first)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.RequestSent, stored.State)
	assert.True(t, stored.Outgoing)
}

func TestRequestSkippedWhenSessionHeld(t *testing.T) {
	svc, st, _ := newService(t, gossip.Config{})

	require.NoError(t, st.SaveInboundSession(domain.InboundGroupSession{
		RoomID:    room,
		SenderKey: creatorKey,
		SessionID: "sess",
		Pickle:    []byte("p"),
	}))

	id, err := svc.RequestSessionIfMissing(context.Background(), requestBody())
	require.NoError(t, err)
	assert.Empty(t, id, "no request for a session we already hold")
}

func TestRequestTimesOutAfterMaxAttempts(t *testing.T) {
	svc, st, _ := newService(t, gossip.Config{MaxAttempts: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := svc.RequestSessionIfMissing(ctx, requestBody())
	require.NoError(t, err)

	go svc.Run(ctx)
	require.Eventually(t, func() bool {
		request, ok, err := st.GossipRequest(id)
		return err == nil && ok && request.State == domain.RequestTimedOut
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInboundSessionArrivalAcceptsRequest(t *testing.T) {
	svc, st, _ := newService(t, gossip.Config{})

	id, err := svc.RequestSessionIfMissing(context.Background(), requestBody())
	require.NoError(t, err)

	// The store notification resolves the request synchronously.
	require.NoError(t, st.SaveInboundSession(domain.InboundGroupSession{
		RoomID:    room,
		SenderKey: creatorKey,
		SessionID: "sess",
		Pickle:    []byte("p"),
	}))

	request, ok, err := st.GossipRequest(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.RequestAccepted, request.State)
}

func TestCancelAfterAcceptIsNoOp(t *testing.T) {
	svc, st, _ := newService(t, gossip.Config{})
	ctx := context.Background()

	id, err := svc.RequestSessionIfMissing(ctx, requestBody())
	require.NoError(t, err)
	require.NoError(t, st.SaveInboundSession(domain.InboundGroupSession{
		RoomID:    room,
		SenderKey: creatorKey,
		SessionID: "sess",
		Pickle:    []byte("p"),
	}))

	require.NoError(t, svc.CancelRequest(ctx, id))
	request, _, err := st.GossipRequest(id)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestAccepted, request.State, "a delivered key cannot be recalled")
}

func TestCancelOpenRequest(t *testing.T) {
	svc, st, _ := newService(t, gossip.Config{})
	ctx := context.Background()

	id, err := svc.RequestSessionIfMissing(ctx, requestBody())
	require.NoError(t, err)
	require.NoError(t, svc.CancelRequest(ctx, id))

	request, _, err := st.GossipRequest(id)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestCancelled, request.State)

	// A fresh request for the same session starts a new lifecycle.
	next, err := svc.RequestSessionIfMissing(ctx, requestBody())
	require.NoError(t, err)
	assert.NotEqual(t, id, next)
}

func TestIncomingRequestFromOtherUserRefused(t *testing.T) {
	svc, st, server := newService(t, gossip.Config{})
	ctx := context.Background()

	server.SetDeviceKeys(domain.DeviceKeys{
		UserID:      "@mallory:hs",
		DeviceID:    "M1",
		IdentityKey: domain.Curve25519Public{0x01}.B64(),
		SigningKey:  domain.Ed25519Public{0x02}.B64(),
	})

	body := requestBody()
	err := svc.HandleIncomingRequest(ctx, "@mallory:hs", domain.RoomKeyRequestContent{
		Action:             "request",
		RequestID:          "req-1",
		RequestingDeviceID: "M1",
		Body:               &body,
	})
	require.NoError(t, err)

	request, ok, err := st.GossipRequest("req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.RequestRejected, request.State)

	record, ok, err := st.WithheldRecord(room, "sess")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.WithheldUnauthorised, record.Code)

	// The requester was notified.
	deliveries := server.TakeDeliveries("@mallory:hs", "M1")
	require.Len(t, deliveries, 1)
	assert.Equal(t, domain.EventRoomKeyWithheld, deliveries[0].EventType)
}

type recordingListener struct {
	requests  []domain.GossipRequest
	cancelled []domain.GossipRequest
}

func (l *recordingListener) OnRoomKeyRequest(r domain.GossipRequest)   { l.requests = append(l.requests, r) }
func (l *recordingListener) OnRequestCancelled(r domain.GossipRequest) { l.cancelled = append(l.cancelled, r) }

func TestCancellationNotifiesListeners(t *testing.T) {
	svc, st, _ := newService(t, gossip.Config{})
	ctx := context.Background()

	listener := &recordingListener{}
	svc.AddListener(listener)

	require.NoError(t, st.SaveGossipRequest(domain.GossipRequest{
		RequestID:       "req-2",
		RoomID:          room,
		SenderKey:       creatorKey,
		SessionID:       "sess",
		Requester:       "@alice:hs",
		RequesterDevice: "A2",
		Outgoing:        false,
		State:           domain.RequestSent,
	}))

	err := svc.HandleIncomingRequest(ctx, "@alice:hs", domain.RoomKeyRequestContent{
		Action:    "request_cancellation",
		RequestID: "req-2",
	})
	require.NoError(t, err)
	require.Len(t, listener.cancelled, 1)
	assert.Equal(t, domain.RequestID("req-2"), listener.cancelled[0].RequestID)

	svc.RemoveListener(listener)
}

func TestWithheldClosesOutgoingRequest(t *testing.T) {
	svc, st, _ := newService(t, gossip.Config{})
	ctx := context.Background()

	id, err := svc.RequestSessionIfMissing(ctx, requestBody())
	require.NoError(t, err)

	err = svc.HandleWithheld(ctx, "@alice:hs", domain.RoomKeyWithheldContent{
		Algorithm: domain.AlgorithmMegolm,
		RoomID:    room,
		SessionID: "sess",
		SenderKey: creatorKey.B64(),
		Code:      domain.WithheldUnverified,
	})
	require.NoError(t, err)

	request, _, err := st.GossipRequest(id)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestRejected, request.State)

	record, ok, err := st.WithheldRecord(room, "sess")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.WithheldUnverified, record.Code)
}

func TestUnverifiedOwnDeviceRequestStaysPending(t *testing.T) {
	svc, st, server := newService(t, gossip.Config{})
	ctx := context.Background()

	listener := &recordingListener{}
	svc.AddListener(listener)

	server.SetDeviceKeys(domain.DeviceKeys{
		UserID:      "@alice:hs",
		DeviceID:    "A2",
		IdentityKey: domain.Curve25519Public{0x05}.B64(),
		SigningKey:  domain.Ed25519Public{0x06}.B64(),
	})

	body := requestBody()
	content := domain.RoomKeyRequestContent{
		Action:             "request",
		RequestID:          "req-3",
		RequestingDeviceID: "A2",
		Body:               &body,
	}
	require.NoError(t, svc.HandleIncomingRequest(ctx, "@alice:hs", content))
	require.Len(t, listener.requests, 1)

	// Surfaced but undecided: the request stays open and the sibling has
	// received nothing.
	request, ok, err := st.GossipRequest("req-3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.RequestSent, request.State)
	assert.Empty(t, server.TakeDeliveries("@alice:hs", "A2"))

	// A redelivered copy does not prompt the user twice.
	require.NoError(t, svc.HandleIncomingRequest(ctx, "@alice:hs", content))
	assert.Len(t, listener.requests, 1)

	require.NoError(t, svc.Refuse(ctx, "req-3", domain.WithheldUnverified, "device not verified"))

	request, _, err = st.GossipRequest("req-3")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestRejected, request.State)
	deliveries := server.TakeDeliveries("@alice:hs", "A2")
	require.Len(t, deliveries, 1)
	assert.Equal(t, domain.EventRoomKeyWithheld, deliveries[0].EventType)

	// The decision is final.
	require.NoError(t, svc.Refuse(ctx, "req-3", domain.WithheldUnverified, "again"))
	assert.Empty(t, server.TakeDeliveries("@alice:hs", "A2"))
}

func TestCancelledRequestIgnoresLateKey(t *testing.T) {
	svc, st, _ := newService(t, gossip.Config{})
	ctx := context.Background()

	id, err := svc.RequestSessionIfMissing(ctx, requestBody())
	require.NoError(t, err)
	require.NoError(t, svc.CancelRequest(ctx, id))

	// The key arriving after cancellation must not revive the request.
	require.NoError(t, st.SaveInboundSession(domain.InboundGroupSession{
		RoomID:    room,
		SenderKey: creatorKey,
		SessionID: "sess",
		Pickle:    []byte("p"),
	}))

	request, ok, err := st.GossipRequest(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.RequestCancelled, request.State)
}
