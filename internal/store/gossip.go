package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"roomcrypt/internal/domain"
)

func (s *Store) SaveGossipRequest(request domain.GossipRequest) error {
	blob, err := json.Marshal(request)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO gossip_requests (request_id, room_id, sender_key, session_id, outgoing, state, blob) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (request_id) DO UPDATE SET state = excluded.state, blob = excluded.blob`,
		request.RequestID.String(), request.RoomID.String(), request.SenderKey.B64(),
		request.SessionID.String(), boolInt(request.Outgoing), int(request.State), string(blob))
	if err != nil {
		return err
	}
	s.notifier.publish(domain.ChangeGossipRequest, request.RequestID.String())
	return nil
}

func (s *Store) GossipRequest(id domain.RequestID) (domain.GossipRequest, bool, error) {
	var blob string
	err := s.db.QueryRow(
		`SELECT blob FROM gossip_requests WHERE request_id = ?`, id.String()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GossipRequest{}, false, nil
	}
	if err != nil {
		return domain.GossipRequest{}, false, err
	}
	return decodeRequest(blob)
}

func (s *Store) GossipRequestForSession(roomID domain.RoomID, senderKey domain.Curve25519Public, sessionID domain.SessionID, outgoing bool) (domain.GossipRequest, bool, error) {
	var blob string
	err := s.db.QueryRow(
		`SELECT blob FROM gossip_requests WHERE room_id = ? AND sender_key = ? AND session_id = ? AND outgoing = ?
		 ORDER BY rowid DESC LIMIT 1`,
		roomID.String(), senderKey.B64(), sessionID.String(), boolInt(outgoing)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.GossipRequest{}, false, nil
	}
	if err != nil {
		return domain.GossipRequest{}, false, err
	}
	return decodeRequest(blob)
}

// PendingGossipRequests returns outgoing requests still worth retrying.
func (s *Store) PendingGossipRequests() ([]domain.GossipRequest, error) {
	rows, err := s.db.Query(
		`SELECT blob FROM gossip_requests WHERE outgoing = 1 AND state IN (?, ?)`,
		int(domain.RequestUnsent), int(domain.RequestSent))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.GossipRequest
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		request, ok, err := decodeRequest(blob)
		if err != nil || !ok {
			return nil, err
		}
		out = append(out, request)
	}
	return out, rows.Err()
}

func (s *Store) SaveWithheldRecord(record domain.WithheldRecord) error {
	blob, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO withheld (room_id, session_id, target_user, target_device, blob) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (room_id, session_id, target_user, target_device) DO UPDATE SET blob = excluded.blob`,
		record.RoomID.String(), record.SessionID.String(),
		record.TargetUser.String(), record.TargetDevice.String(), string(blob))
	return err
}

// WithheldRecord returns the most recently stored withheld record for a
// session, if any. Per-device records are kept apart; use WithheldRecords
// for the full set.
func (s *Store) WithheldRecord(roomID domain.RoomID, sessionID domain.SessionID) (domain.WithheldRecord, bool, error) {
	var blob string
	err := s.db.QueryRow(
		`SELECT blob FROM withheld WHERE room_id = ? AND session_id = ? ORDER BY rowid DESC LIMIT 1`,
		roomID.String(), sessionID.String()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WithheldRecord{}, false, nil
	}
	if err != nil {
		return domain.WithheldRecord{}, false, err
	}
	var record domain.WithheldRecord
	if err := json.Unmarshal([]byte(blob), &record); err != nil {
		return domain.WithheldRecord{}, false, corrupt("withheld record", err)
	}
	return record, true, nil
}

// WithheldRecords returns every per-device withheld record for a session.
func (s *Store) WithheldRecords(roomID domain.RoomID, sessionID domain.SessionID) ([]domain.WithheldRecord, error) {
	rows, err := s.db.Query(
		`SELECT blob FROM withheld WHERE room_id = ? AND session_id = ?`,
		roomID.String(), sessionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WithheldRecord
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var record domain.WithheldRecord
		if err := json.Unmarshal([]byte(blob), &record); err != nil {
			return nil, corrupt("withheld record", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func decodeRequest(blob string) (domain.GossipRequest, bool, error) {
	var request domain.GossipRequest
	if err := json.Unmarshal([]byte(blob), &request); err != nil {
		return domain.GossipRequest{}, false, corrupt("gossip request", err)
	}
	return request, true, nil
}
