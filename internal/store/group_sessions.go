package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"roomcrypt/internal/domain"
)

// SaveOutboundWithShares writes the outbound session state, including its
// shared-with map, atomically. The caller transmits keys only after this
// returns, so the network can never get ahead of the local state.
func (s *Store) SaveOutboundWithShares(session domain.OutboundGroupSession) error {
	blob, err := json.Marshal(session)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO outbound_sessions (room_id, blob) VALUES (?, ?)
		 ON CONFLICT (room_id) DO UPDATE SET blob = excluded.blob`,
		session.RoomID.String(), string(blob)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) OutboundSession(roomID domain.RoomID) (domain.OutboundGroupSession, bool, error) {
	var blob string
	err := s.db.QueryRow(
		`SELECT blob FROM outbound_sessions WHERE room_id = ?`, roomID.String()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.OutboundGroupSession{}, false, nil
	}
	if err != nil {
		return domain.OutboundGroupSession{}, false, err
	}
	var session domain.OutboundGroupSession
	if err := json.Unmarshal([]byte(blob), &session); err != nil {
		return domain.OutboundGroupSession{}, false, corrupt("outbound group session", err)
	}
	return session, true, nil
}

func (s *Store) DiscardOutboundSession(roomID domain.RoomID) error {
	_, err := s.db.Exec(`DELETE FROM outbound_sessions WHERE room_id = ?`, roomID.String())
	return err
}

func (s *Store) SaveInboundSession(session domain.InboundGroupSession) error {
	blob, err := json.Marshal(session)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO inbound_sessions (session_key, room_id, sender_key, session_id, backed_up, blob) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_key) DO UPDATE SET backed_up = excluded.backed_up, blob = excluded.blob`,
		session.InboundKey(), session.RoomID.String(), session.SenderKey.B64(),
		session.SessionID.String(), boolInt(session.BackedUp), string(blob))
	if err != nil {
		return err
	}
	s.notifier.publish(domain.ChangeInboundSession, session.InboundKey())
	return nil
}

func (s *Store) InboundSession(roomID domain.RoomID, senderKey domain.Curve25519Public, id domain.SessionID) (domain.InboundGroupSession, bool, error) {
	var blob string
	err := s.db.QueryRow(
		`SELECT blob FROM inbound_sessions WHERE room_id = ? AND sender_key = ? AND session_id = ?`,
		roomID.String(), senderKey.B64(), id.String()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.InboundGroupSession{}, false, nil
	}
	if err != nil {
		return domain.InboundGroupSession{}, false, err
	}
	return decodeInbound(blob)
}

func (s *Store) InboundSessions(onlyNotBackedUp bool) ([]domain.InboundGroupSession, error) {
	query := `SELECT blob FROM inbound_sessions`
	if onlyNotBackedUp {
		query += ` WHERE backed_up = 0`
	}
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.InboundGroupSession
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		session, ok, err := decodeInbound(blob)
		if err != nil || !ok {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *Store) InboundSessionCount(onlyBackedUp bool) (int, error) {
	query := `SELECT COUNT(*) FROM inbound_sessions`
	if onlyBackedUp {
		query += ` WHERE backed_up = 1`
	}
	var count int
	err := s.db.QueryRow(query).Scan(&count)
	return count, err
}

// MarkInboundBackedUp flags a batch of sessions in one transaction so a
// cancelled upload cannot leave a half-marked batch.
func (s *Store) MarkInboundBackedUp(keys []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.Exec(
			`UPDATE inbound_sessions SET backed_up = 1,
			 blob = json_set(blob, '$.backed_up', json('true')) WHERE session_key = ?`, key); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ClearBackupFlags resets every backed-up flag; used when a new backup
// version replaces the old one.
func (s *Store) ClearBackupFlags() error {
	_, err := s.db.Exec(
		`UPDATE inbound_sessions SET backed_up = 0, blob = json_set(blob, '$.backed_up', json('false'))`)
	return err
}

func (s *Store) MessageIndexDigest(sessionKey string, index uint32) (string, bool, error) {
	var digest string
	err := s.db.QueryRow(
		`SELECT digest FROM message_indexes WHERE session_key = ? AND idx = ?`,
		sessionKey, int64(index)).Scan(&digest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return digest, true, nil
}

func (s *Store) RecordMessageIndex(sessionKey string, index uint32, digest string) error {
	_, err := s.db.Exec(
		`INSERT INTO message_indexes (session_key, idx, digest) VALUES (?, ?, ?)
		 ON CONFLICT (session_key, idx) DO NOTHING`,
		sessionKey, int64(index), digest)
	return err
}

func decodeInbound(blob string) (domain.InboundGroupSession, bool, error) {
	var session domain.InboundGroupSession
	if err := json.Unmarshal([]byte(blob), &session); err != nil {
		return domain.InboundGroupSession{}, false, corrupt("inbound group session", err)
	}
	return session, true, nil
}
