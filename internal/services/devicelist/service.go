// Package devicelist tracks the devices and published keys of every user the
// engine exchanges messages with.
package devicelist

import (
	"context"
	"time"

	"go.uber.org/zap"

	"roomcrypt/internal/domain"
	"roomcrypt/internal/errs"
	"roomcrypt/internal/logger"
)

// Service maintains the local mirror of per-user device lists.
//
// A device's identity key is immutable for the lifetime of its device id; a
// key that differs on re-download is reported as an anomaly and the stored
// device is left untouched. Devices that disappear from a download are
// tombstoned, never deleted, so traffic from their sessions stays
// decryptable.
type Service struct {
	store     domain.Store
	transport domain.Transport
}

// New constructs a device directory over the given store and transport.
func New(store domain.Store, transport domain.Transport) *Service {
	return &Service{store: store, transport: transport}
}

var _ domain.DeviceDirectory = (*Service)(nil)

// DevicesFor returns the known devices of a user, refreshing from the server
// first when our copy is stale or the user is unknown.
func (s *Service) DevicesFor(ctx context.Context, userID domain.UserID) ([]domain.Device, error) {
	status, err := s.store.TrackingStatus(userID)
	if err != nil {
		return nil, err
	}
	if status != domain.TrackingUpToDate {
		if err := s.DownloadKeys(ctx, []domain.UserID{userID}, false); err != nil {
			return nil, err
		}
	}
	return s.store.DevicesOf(userID)
}

// DownloadKeys fetches device lists for the given users and reconciles them
// with the store.
//
// Steps:
//  1. Drop users that are already up to date, unless force is set.
//  2. Download the published device keys and cross-signing keys in one query.
//  3. For each returned device: keep the pinned key on identity-key changes,
//     preserve local trust on known devices, insert new devices unverified.
//  4. Tombstone stored devices absent from the response.
//  5. Mark each downloaded user up to date.
//
// A detected key change is reported as KEY_CHANGE_DETECTED after every
// requested user has been reconciled; it never aborts the batch.
func (s *Service) DownloadKeys(ctx context.Context, userIDs []domain.UserID, force bool) error {
	var wanted []domain.UserID
	for _, userID := range userIDs {
		if !force {
			status, err := s.store.TrackingStatus(userID)
			if err != nil {
				return err
			}
			if status == domain.TrackingUpToDate {
				continue
			}
		}
		wanted = append(wanted, userID)
	}
	if len(wanted) == 0 {
		return nil
	}

	resp, err := s.transport.DownloadDeviceKeys(ctx, wanted)
	if err != nil {
		return err
	}

	// A detected key change must not strand the rest of the batch: the
	// remaining users still reconcile, and the anomaly surfaces at the end.
	var anomaly error
	for _, userID := range wanted {
		if err := s.reconcileUser(userID, resp.DeviceKeys[userID]); err != nil {
			if !errs.Is(err, errs.CodeKeyChangeDetected) {
				return err
			}
			if anomaly == nil {
				anomaly = err
			}
		}
		if csk, ok := resp.CrossSigning[userID]; ok {
			if err := s.saveCrossSigning(userID, csk); err != nil {
				return err
			}
		}
		if err := s.store.SetTrackingStatus(userID, domain.TrackingUpToDate); err != nil {
			return err
		}
	}
	return anomaly
}

func (s *Service) reconcileUser(userID domain.UserID, published map[domain.DeviceID]domain.DeviceKeys) error {
	known, err := s.store.DevicesOf(userID)
	if err != nil {
		return err
	}
	knownByID := make(map[domain.DeviceID]domain.Device, len(known))
	for _, d := range known {
		knownByID[d.DeviceID] = d
	}

	var anomaly error
	for deviceID, keys := range published {
		identityKey, ok := domain.Curve25519FromB64(keys.IdentityKey)
		if !ok {
			logger.Warn("skipping device with malformed identity key",
				zap.String("user", userID.String()), zap.String("device", deviceID.String()))
			continue
		}
		signingKey, ok := domain.Ed25519FromB64(keys.SigningKey)
		if !ok {
			logger.Warn("skipping device with malformed signing key",
				zap.String("user", userID.String()), zap.String("device", deviceID.String()))
			continue
		}

		if existing, seen := knownByID[deviceID]; seen {
			if existing.IdentityKey != identityKey {
				// The pinned key wins. The stored record stays untouched
				// and the anomaly surfaces once the user is fully handled.
				if anomaly == nil {
					anomaly = errs.Newf(errs.CodeKeyChangeDetected,
						"identity key changed for %s/%s", userID, deviceID)
				}
				continue
			}
			// Refresh mutable metadata; trust and tombstone state are local.
			existing.DisplayName = keys.DisplayName
			existing.Signatures = keys.Signatures
			existing.Tombstoned = false
			if err := s.store.SaveDevice(existing); err != nil {
				return err
			}
			continue
		}

		device := domain.Device{
			UserID:      userID,
			DeviceID:    deviceID,
			IdentityKey: identityKey,
			SigningKey:  signingKey,
			DisplayName: keys.DisplayName,
			Signatures:  keys.Signatures,
			Trust:       domain.TrustUnverified,
			FirstSeenAt: time.Now().Unix(),
		}
		if err := s.store.SaveDevice(device); err != nil {
			return err
		}
	}

	// Devices the server no longer lists are gone for good.
	for deviceID, device := range knownByID {
		if _, still := published[deviceID]; still || device.Tombstoned {
			continue
		}
		device.Tombstoned = true
		if err := s.store.SaveDevice(device); err != nil {
			return err
		}
		logger.Info("tombstoned removed device",
			zap.String("user", userID.String()), zap.String("device", deviceID.String()))
	}
	return anomaly
}

func (s *Service) saveCrossSigning(userID domain.UserID, incoming domain.CrossSigningKeys) error {
	incoming.UserID = userID
	stored, ok, err := s.store.CrossSigningKeys(userID)
	if err != nil {
		return err
	}
	if ok {
		// A changed master key voids local trust until re-verified.
		if stored.MasterKey == incoming.MasterKey {
			incoming.LocallyTrusted = stored.LocallyTrusted
		} else {
			logger.Warn("master key changed, dropping local trust",
				zap.String("user", userID.String()))
		}
	}
	return s.store.SaveCrossSigningKeys(incoming)
}

// DeviceByIdentityKey resolves a sender curve25519 key to a stored device.
func (s *Service) DeviceByIdentityKey(key domain.Curve25519Public) (domain.Device, bool, error) {
	return s.store.DeviceByIdentityKey(key)
}

// SetDeviceTrust records a manual trust decision for a device.
func (s *Service) SetDeviceTrust(userID domain.UserID, deviceID domain.DeviceID, trust domain.TrustLevel) error {
	device, ok, err := s.store.Device(userID, deviceID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Newf(errs.CodeNotFound, "unknown device %s/%s", userID, deviceID)
	}
	device.Trust = trust
	return s.store.SaveDevice(device)
}

// MarkStale flags a user so the next DevicesFor call refreshes from the
// server. Sync feeds call this on device-list change notifications.
func (s *Service) MarkStale(userID domain.UserID) error {
	status, err := s.store.TrackingStatus(userID)
	if err != nil {
		return err
	}
	if status == domain.TrackingUnknown {
		return nil
	}
	return s.store.SetTrackingStatus(userID, domain.TrackingStale)
}
