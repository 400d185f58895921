package devicelist_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcrypt/internal/domain"
	"roomcrypt/internal/errs"
	"roomcrypt/internal/services/devicelist"
	"roomcrypt/internal/store"
	"roomcrypt/internal/transport/transporttest"
)

func publish(server *transporttest.Server, user domain.UserID, device domain.DeviceID, ident domain.Curve25519Public) {
	server.SetDeviceKeys(domain.DeviceKeys{
		UserID:      user,
		DeviceID:    device,
		IdentityKey: ident.B64(),
		SigningKey:  domain.Ed25519Public{0x42}.B64(),
		DisplayName: "phone",
	})
}

func newFixture(t *testing.T) (*devicelist.Service, *store.Store, *transporttest.Server) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	server := transporttest.NewServer()
	return devicelist.New(st, server.Client("@alice:hs")), st, server
}

func TestDownloadInsertsNewDevicesUnverified(t *testing.T) {
	svc, st, server := newFixture(t)
	publish(server, "@bob:hs", "B1", domain.Curve25519Public{0x01})
	publish(server, "@bob:hs", "B2", domain.Curve25519Public{0x02})

	devices, err := svc.DevicesFor(context.Background(), "@bob:hs")
	require.NoError(t, err)
	require.Len(t, devices, 2)
	for _, d := range devices {
		assert.Equal(t, domain.TrustUnverified, d.Trust)
		assert.Equal(t, "phone", d.DisplayName)
	}

	status, err := st.TrackingStatus("@bob:hs")
	require.NoError(t, err)
	assert.Equal(t, domain.TrackingUpToDate, status)
}

func TestDevicesForSkipsRefreshWhenUpToDate(t *testing.T) {
	svc, _, server := newFixture(t)
	publish(server, "@bob:hs", "B1", domain.Curve25519Public{0x01})

	_, err := svc.DevicesFor(context.Background(), "@bob:hs")
	require.NoError(t, err)

	// A device added after the download is invisible until the list is
	// marked stale.
	publish(server, "@bob:hs", "B2", domain.Curve25519Public{0x02})
	devices, err := svc.DevicesFor(context.Background(), "@bob:hs")
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	require.NoError(t, svc.MarkStale("@bob:hs"))
	devices, err = svc.DevicesFor(context.Background(), "@bob:hs")
	require.NoError(t, err)
	assert.Len(t, devices, 2)
}

func TestIdentityKeyChangeDetected(t *testing.T) {
	svc, _, server := newFixture(t)
	publish(server, "@bob:hs", "B1", domain.Curve25519Public{0x01})

	_, err := svc.DevicesFor(context.Background(), "@bob:hs")
	require.NoError(t, err)

	// Same device id, different identity key: impersonation, not rotation.
	publish(server, "@bob:hs", "B1", domain.Curve25519Public{0x99})
	err = svc.DownloadKeys(context.Background(), []domain.UserID{"@bob:hs"}, true)
	require.Error(t, err)
	assert.Equal(t, errs.CodeKeyChangeDetected, errs.CodeOf(err))

	// The stored device keeps the original key.
	device, ok, err := svc.DeviceByIdentityKey(domain.Curve25519Public{0x01})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.DeviceID("B1"), device.DeviceID)
}

func TestRemovedDeviceIsTombstoned(t *testing.T) {
	svc, st, server := newFixture(t)
	publish(server, "@bob:hs", "B1", domain.Curve25519Public{0x01})
	publish(server, "@bob:hs", "B2", domain.Curve25519Public{0x02})

	_, err := svc.DevicesFor(context.Background(), "@bob:hs")
	require.NoError(t, err)

	server.RemoveDevice("@bob:hs", "B2")
	require.NoError(t, svc.DownloadKeys(context.Background(), []domain.UserID{"@bob:hs"}, true))

	device, ok, err := st.Device("@bob:hs", "B2")
	require.NoError(t, err)
	require.True(t, ok, "tombstoned, not deleted")
	assert.True(t, device.Tombstoned)

	// Re-publication revives it.
	publish(server, "@bob:hs", "B2", domain.Curve25519Public{0x02})
	require.NoError(t, svc.DownloadKeys(context.Background(), []domain.UserID{"@bob:hs"}, true))
	device, _, err = st.Device("@bob:hs", "B2")
	require.NoError(t, err)
	assert.False(t, device.Tombstoned)
}

func TestTrustSurvivesRedownload(t *testing.T) {
	svc, _, server := newFixture(t)
	publish(server, "@bob:hs", "B1", domain.Curve25519Public{0x01})

	_, err := svc.DevicesFor(context.Background(), "@bob:hs")
	require.NoError(t, err)
	require.NoError(t, svc.SetDeviceTrust("@bob:hs", "B1", domain.TrustVerified))

	require.NoError(t, svc.DownloadKeys(context.Background(), []domain.UserID{"@bob:hs"}, true))
	devices, err := svc.DevicesFor(context.Background(), "@bob:hs")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, domain.TrustVerified, devices[0].Trust)
}

func TestMalformedKeysSkipped(t *testing.T) {
	svc, _, server := newFixture(t)
	publish(server, "@bob:hs", "B1", domain.Curve25519Public{0x01})
	server.SetDeviceKeys(domain.DeviceKeys{
		UserID:      "@bob:hs",
		DeviceID:    "B2",
		IdentityKey: "not base64!!",
		SigningKey:  domain.Ed25519Public{0x42}.B64(),
	})

	devices, err := svc.DevicesFor(context.Background(), "@bob:hs")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, domain.DeviceID("B1"), devices[0].DeviceID)
}

func TestMasterKeyChangeDropsLocalTrust(t *testing.T) {
	svc, st, server := newFixture(t)
	publish(server, "@bob:hs", "B1", domain.Curve25519Public{0x01})
	server.SetCrossSigning(domain.CrossSigningKeys{
		UserID:    "@bob:hs",
		MasterKey: domain.Ed25519Public{0x10},
	})

	require.NoError(t, svc.DownloadKeys(context.Background(), []domain.UserID{"@bob:hs"}, true))
	keys, ok, err := st.CrossSigningKeys("@bob:hs")
	require.NoError(t, err)
	require.True(t, ok)
	keys.LocallyTrusted = true
	require.NoError(t, st.SaveCrossSigningKeys(keys))

	// Same master key: trust sticks.
	require.NoError(t, svc.DownloadKeys(context.Background(), []domain.UserID{"@bob:hs"}, true))
	keys, _, err = st.CrossSigningKeys("@bob:hs")
	require.NoError(t, err)
	assert.True(t, keys.LocallyTrusted)

	// Rotated master key: trust is void until re-verified.
	server.SetCrossSigning(domain.CrossSigningKeys{
		UserID:    "@bob:hs",
		MasterKey: domain.Ed25519Public{0x20},
	})
	require.NoError(t, svc.DownloadKeys(context.Background(), []domain.UserID{"@bob:hs"}, true))
	keys, _, err = st.CrossSigningKeys("@bob:hs")
	require.NoError(t, err)
	assert.False(t, keys.LocallyTrusted)
}

func TestKeyChangeDoesNotAbortBatch(t *testing.T) {
	svc, st, server := newFixture(t)
	publish(server, "@bob:hs", "B1", domain.Curve25519Public{0x01})
	publish(server, "@carol:hs", "C1", domain.Curve25519Public{0x03})
	ctx := context.Background()

	require.NoError(t, svc.DownloadKeys(ctx, []domain.UserID{"@bob:hs", "@carol:hs"}, true))

	// One impersonated device among otherwise legitimate updates.
	publish(server, "@bob:hs", "B1", domain.Curve25519Public{0x99})
	publish(server, "@bob:hs", "B2", domain.Curve25519Public{0x04})
	publish(server, "@carol:hs", "C2", domain.Curve25519Public{0x05})

	err := svc.DownloadKeys(ctx, []domain.UserID{"@bob:hs", "@carol:hs"}, true)
	require.Error(t, err)
	assert.Equal(t, errs.CodeKeyChangeDetected, errs.CodeOf(err))

	// The anomaly did not stop the rest of the batch.
	bobs, err := st.DevicesOf("@bob:hs")
	require.NoError(t, err)
	assert.Len(t, bobs, 2, "the sibling device still lands")
	carols, err := st.DevicesOf("@carol:hs")
	require.NoError(t, err)
	assert.Len(t, carols, 2)

	for _, user := range []domain.UserID{"@bob:hs", "@carol:hs"} {
		status, err := st.TrackingStatus(user)
		require.NoError(t, err)
		assert.Equal(t, domain.TrackingUpToDate, status)
	}

	// The impersonated device keeps its pinned key.
	pinned, ok, err := svc.DeviceByIdentityKey(domain.Curve25519Public{0x01})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.DeviceID("B1"), pinned.DeviceID)
}
