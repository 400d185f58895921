package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"roomcrypt/internal/domain"
)

func (s *Store) SavePairwiseSession(session domain.PairwiseSession) error {
	blob, err := json.Marshal(session)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Only one session per peer stays active.
	if session.Active {
		if _, err := tx.Exec(
			`UPDATE pairwise_sessions SET active = 0 WHERE peer_key = ? AND session_id != ?`,
			session.PeerKey.B64(), session.SessionID.String()); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO pairwise_sessions (peer_key, session_id, active, last_used, blob) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (peer_key, session_id) DO UPDATE SET active = excluded.active, last_used = excluded.last_used, blob = excluded.blob`,
		session.PeerKey.B64(), session.SessionID.String(), boolInt(session.Active), session.LastUsedAt, string(blob)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ActivePairwiseSession(peer domain.Curve25519Public) (domain.PairwiseSession, bool, error) {
	var blob string
	err := s.db.QueryRow(
		`SELECT blob FROM pairwise_sessions WHERE peer_key = ? AND active = 1 ORDER BY last_used DESC LIMIT 1`,
		peer.B64()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PairwiseSession{}, false, nil
	}
	if err != nil {
		return domain.PairwiseSession{}, false, err
	}
	return decodePairwise(blob)
}

func (s *Store) PairwiseSessionByID(peer domain.Curve25519Public, id domain.SessionID) (domain.PairwiseSession, bool, error) {
	var blob string
	err := s.db.QueryRow(
		`SELECT blob FROM pairwise_sessions WHERE peer_key = ? AND session_id = ?`,
		peer.B64(), id.String()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PairwiseSession{}, false, nil
	}
	if err != nil {
		return domain.PairwiseSession{}, false, err
	}
	return decodePairwise(blob)
}

func (s *Store) PairwiseSessionsOf(peer domain.Curve25519Public) ([]domain.PairwiseSession, error) {
	rows, err := s.db.Query(
		`SELECT blob FROM pairwise_sessions WHERE peer_key = ? ORDER BY last_used DESC`, peer.B64())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PairwiseSession
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		session, ok, err := decodePairwise(blob)
		if err != nil || !ok {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func decodePairwise(blob string) (domain.PairwiseSession, bool, error) {
	var session domain.PairwiseSession
	if err := json.Unmarshal([]byte(blob), &session); err != nil {
		return domain.PairwiseSession{}, false, corrupt("pairwise session", err)
	}
	return session, true, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
