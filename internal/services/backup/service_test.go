package backup_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"roomcrypt/internal/crypto"
	"roomcrypt/internal/domain"
	"roomcrypt/internal/protocol/megolm"
	"roomcrypt/internal/services/backup"
	crosssigningsvc "roomcrypt/internal/services/crosssigning"
	devicelistsvc "roomcrypt/internal/services/devicelist"
	groupsvc "roomcrypt/internal/services/group"
	pairwisesvc "roomcrypt/internal/services/pairwise"
	"roomcrypt/internal/store"
	"roomcrypt/internal/transport/transporttest"
)

func newFixture(t *testing.T) (*backup.Service, *groupsvc.Service, *store.Store, domain.Transport) {
	t.Helper()

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

	client := transporttest.NewServer().Client("@alice:hs")
	devices := devicelistsvc.New(st, client)
	trust := crosssigningsvc.New(st, "@alice:hs")
	pw := pairwisesvc.New(st, client)
	group := groupsvc.New(groupsvc.Config{
		RotationMessageCount: 100,
		RotationPeriod:       time.Hour,
	}, st, client, devices, trust, pw)
	svc := backup.New(backup.Config{
		BatchSize:      10,
		UploadDebounce: time.Millisecond,
	}, st, st.Notifier(), client, group)
	return svc, group, st, client
}

func importSession(t *testing.T, group *groupsvc.Service) {
	t.Helper()
	out, err := megolm.NewOutbound()
	require.NoError(t, err)
	key, err := out.SessionKey()
	require.NoError(t, err)
	changed, err := group.ImportInboundSession(domain.ExportedSession{
		Algorithm:  domain.AlgorithmMegolm,
		RoomID:     "!r:hs",
		SenderKey:  domain.Curve25519Public{0x11}.B64(),
		SessionKey: key,
	}, domain.SourceDirect, true)
	require.NoError(t, err)
	require.True(t, changed)
}

func TestWorkerUploadsNewSessions(t *testing.T) {
	svc, group, _, client := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	version, _, err := svc.CreateVersion(ctx)
	require.NoError(t, err)
	go svc.Run(ctx)

	importSession(t, group)

	require.Eventually(t, func() bool {
		info, err := client.GetBackupVersion(ctx, version.Version)
		return err == nil && info.Count == 1
	}, time.Second, 5*time.Millisecond,
		"a stored session reaches the backup without an explicit upload call")
}

func TestWorkerIdleWithoutTrustedVersion(t *testing.T) {
	svc, group, st, _ := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go svc.Run(ctx)
	importSession(t, group)

	// No version to upload under; the session stays flagged for later.
	require.Never(t, func() bool {
		pending, err := st.InboundSessions(true)
		return err != nil || len(pending) != 1
	}, 50*time.Millisecond, 5*time.Millisecond)

	_, _, err := svc.CreateVersion(ctx)
	require.NoError(t, err)
	uploaded, err := svc.UploadPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, uploaded)
}
