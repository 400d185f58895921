package store

import (
	"database/sql"
	"encoding/json"
	"errors"

	"roomcrypt/internal/domain"
)

func (s *Store) SaveBackupVersion(version domain.BackupVersion) error {
	blob, err := json.Marshal(version)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO backup_version (id, blob) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET blob = excluded.blob`, string(blob))
	return err
}

func (s *Store) BackupVersion() (domain.BackupVersion, bool, error) {
	var blob string
	err := s.db.QueryRow(`SELECT blob FROM backup_version WHERE id = 1`).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BackupVersion{}, false, nil
	}
	if err != nil {
		return domain.BackupVersion{}, false, err
	}
	var version domain.BackupVersion
	if err := json.Unmarshal([]byte(blob), &version); err != nil {
		return domain.BackupVersion{}, false, corrupt("backup version", err)
	}
	return version, true, nil
}

func (s *Store) DeleteBackupVersion() error {
	_, err := s.db.Exec(`DELETE FROM backup_version WHERE id = 1`)
	return err
}
