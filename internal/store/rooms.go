package store

import (
	"database/sql"
	"errors"

	"roomcrypt/internal/domain"
)

func (s *Store) SetMembers(roomID domain.RoomID, members []domain.UserID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM room_members WHERE room_id = ?`, roomID.String()); err != nil {
		return err
	}
	for _, member := range members {
		if _, err := tx.Exec(
			`INSERT INTO room_members (room_id, user_id) VALUES (?, ?)`,
			roomID.String(), member.String()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Members(roomID domain.RoomID) ([]domain.UserID, error) {
	rows, err := s.db.Query(
		`SELECT user_id FROM room_members WHERE room_id = ? ORDER BY user_id`, roomID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.UserID
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, err
		}
		out = append(out, domain.UserID(user))
	}
	return out, rows.Err()
}

func (s *Store) ApplyMembershipChange(change domain.MembershipChange) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, user := range change.Joined {
		if _, err := tx.Exec(
			`INSERT INTO room_members (room_id, user_id) VALUES (?, ?)
			 ON CONFLICT (room_id, user_id) DO NOTHING`,
			change.RoomID.String(), user.String()); err != nil {
			return err
		}
	}
	for _, user := range change.Left {
		if _, err := tx.Exec(
			`DELETE FROM room_members WHERE room_id = ? AND user_id = ?`,
			change.RoomID.String(), user.String()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) SetRoomBlacklistUnverified(roomID domain.RoomID, blacklist bool) error {
	_, err := s.db.Exec(
		`INSERT INTO room_policy (room_id, blacklist_unverified) VALUES (?, ?)
		 ON CONFLICT (room_id) DO UPDATE SET blacklist_unverified = excluded.blacklist_unverified`,
		roomID.String(), boolInt(blacklist))
	return err
}

func (s *Store) RoomBlacklistUnverified(roomID domain.RoomID) (bool, error) {
	var blacklist int
	err := s.db.QueryRow(
		`SELECT blacklist_unverified FROM room_policy WHERE room_id = ?`, roomID.String()).Scan(&blacklist)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return blacklist == 1, nil
}
