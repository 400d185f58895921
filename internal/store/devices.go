package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"roomcrypt/internal/domain"
)

func (s *Store) SaveAccount(account domain.Account) error {
	blob, err := json.Marshal(account)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO account (id, blob) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET blob = excluded.blob`, string(blob))
	return err
}

func (s *Store) LoadAccount() (domain.Account, bool, error) {
	var blob string
	err := s.db.QueryRow(`SELECT blob FROM account WHERE id = 1`).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, false, nil
	}
	if err != nil {
		return domain.Account{}, false, err
	}
	var account domain.Account
	if err := json.Unmarshal([]byte(blob), &account); err != nil {
		return domain.Account{}, false, corrupt("account", err)
	}
	return account, true, nil
}

func (s *Store) SaveDevice(device domain.Device) error {
	blob, err := json.Marshal(device)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO devices (user_id, device_id, identity_key, blob) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, device_id) DO UPDATE SET identity_key = excluded.identity_key, blob = excluded.blob`,
		device.UserID.String(), device.DeviceID.String(), device.IdentityKey.B64(), string(blob))
	if err != nil {
		return err
	}
	s.notifier.publish(domain.ChangeDevice, device.Key())
	return nil
}

func (s *Store) Device(userID domain.UserID, deviceID domain.DeviceID) (domain.Device, bool, error) {
	var blob string
	err := s.db.QueryRow(
		`SELECT blob FROM devices WHERE user_id = ? AND device_id = ?`,
		userID.String(), deviceID.String()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Device{}, false, nil
	}
	if err != nil {
		return domain.Device{}, false, err
	}
	return decodeDevice(blob)
}

func (s *Store) DeviceByIdentityKey(key domain.Curve25519Public) (domain.Device, bool, error) {
	var blob string
	err := s.db.QueryRow(
		`SELECT blob FROM devices WHERE identity_key = ? LIMIT 1`, key.B64()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Device{}, false, nil
	}
	if err != nil {
		return domain.Device{}, false, err
	}
	return decodeDevice(blob)
}

func (s *Store) DevicesOf(userID domain.UserID) ([]domain.Device, error) {
	rows, err := s.db.Query(
		`SELECT blob FROM devices WHERE user_id = ? ORDER BY device_id`, userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Device
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		device, ok, err := decodeDevice(blob)
		if err != nil || !ok {
			return nil, err
		}
		out = append(out, device)
	}
	return out, rows.Err()
}

func (s *Store) SetTrackingStatus(userID domain.UserID, status domain.TrackingStatus) error {
	_, err := s.db.Exec(
		`INSERT INTO tracking (user_id, status) VALUES (?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET status = excluded.status`,
		userID.String(), int(status))
	return err
}

func (s *Store) TrackingStatus(userID domain.UserID) (domain.TrackingStatus, error) {
	var status int
	err := s.db.QueryRow(
		`SELECT status FROM tracking WHERE user_id = ?`, userID.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TrackingUnknown, nil
	}
	if err != nil {
		return domain.TrackingUnknown, err
	}
	return domain.TrackingStatus(status), nil
}

func (s *Store) SaveCrossSigningKeys(keys domain.CrossSigningKeys) error {
	blob, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO cross_signing (user_id, blob) VALUES (?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET blob = excluded.blob`,
		keys.UserID.String(), string(blob))
	if err != nil {
		return err
	}
	s.notifier.publish(domain.ChangeCrossSigning, keys.UserID.String())
	return nil
}

func (s *Store) CrossSigningKeys(userID domain.UserID) (domain.CrossSigningKeys, bool, error) {
	var blob string
	err := s.db.QueryRow(
		`SELECT blob FROM cross_signing WHERE user_id = ?`, userID.String()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CrossSigningKeys{}, false, nil
	}
	if err != nil {
		return domain.CrossSigningKeys{}, false, err
	}
	var keys domain.CrossSigningKeys
	if err := json.Unmarshal([]byte(blob), &keys); err != nil {
		return domain.CrossSigningKeys{}, false, corrupt("cross-signing keys", err)
	}
	return keys, true, nil
}

func decodeDevice(blob string) (domain.Device, bool, error) {
	var device domain.Device
	if err := json.Unmarshal([]byte(blob), &device); err != nil {
		return domain.Device{}, false, corrupt("device", err)
	}
	return device, true, nil
}
