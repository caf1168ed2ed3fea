package storagesqlite

import (
	"database/sql"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	. "github.com/xiaonanln/cellworld/engine/storage/storage_common"
	_ "modernc.org/sqlite"
)

// sqliteBackend keeps all records in one table. Every batch is one SQL transaction.
type sqliteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database file as storage backend
func OpenSQLite(path string) (Backend, error) {
	if path == "" {
		return nil, errors.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS records (
		kind TEXT NOT NULL,
		id TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (kind, id)
	);`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteBackend{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func (es *sqliteBackend) Read(kind string, id string) ([]byte, error) {
	var data []byte
	err := es.db.QueryRow(`SELECT data FROM records WHERE kind = ? AND id = ?`, kind, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return data, err
}

func (es *sqliteBackend) Exists(kind string, id string) (bool, error) {
	var n int
	err := es.db.QueryRow(`SELECT COUNT(*) FROM records WHERE kind = ? AND id = ?`, kind, id).Scan(&n)
	return n > 0, err
}

func (es *sqliteBackend) List(kind string) ([]string, error) {
	rows, err := es.db.Query(`SELECT id FROM records WHERE kind = ? ORDER BY id`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (es *sqliteBackend) WriteBatch(ops []Op) error {
	tx, err := es.db.Begin()
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.IsDelete() {
			_, err = tx.Exec(`DELETE FROM records WHERE kind = ? AND id = ?`, op.Kind, op.ID)
		} else {
			_, err = tx.Exec(`INSERT INTO records(kind, id, data) VALUES(?, ?, ?)
				ON CONFLICT(kind, id) DO UPDATE SET data = excluded.data`, op.Kind, op.ID, op.Data)
		}
		if err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "write %s %s", op.Kind, op.ID)
		}
	}
	return tx.Commit()
}

func (es *sqliteBackend) Close() {
	_ = es.db.Close()
}

func (es *sqliteBackend) IsEOF(err error) bool {
	return false
}
