package mirror

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/boxmirror/internal/db"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS records (
    remote_id TEXT PRIMARY KEY,
    path      TEXT NOT NULL,
    revision  TEXT,            -- NULL when the remote reports no revision
    is_dir    INTEGER NOT NULL DEFAULT 0,
    path_key  TEXT NOT NULL DEFAULT '' -- lower-cased path, see pathKey
);

CREATE TABLE IF NOT EXISTS checkpoints (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    created_at TEXT NOT NULL, -- RFC3339Nano
    cursor     TEXT NOT NULL
);
`

const indexPathKey = "CREATE INDEX IF NOT EXISTS records_path_key ON records (path_key)"

const selectRecords = "SELECT remote_id, path, revision, is_dir FROM records"

// dbRecord is the row shape; revision is nullable in storage.
type dbRecord struct {
	RemoteID string         `db:"remote_id"`
	Path     string         `db:"path"`
	Revision sql.NullString `db:"revision"`
	IsDir    bool           `db:"is_dir"`
	PathKey  string         `db:"path_key"`
}

func (r *dbRecord) toRecord() *Record {
	return &Record{
		RemoteID: r.RemoteID,
		Path:     r.Path,
		Revision: r.Revision.String,
		IsDir:    r.IsDir,
	}
}

func fromRecord(rec *Record) dbRecord {
	return dbRecord{
		RemoteID: rec.RemoteID,
		Path:     rec.Path,
		Revision: sql.NullString{String: rec.Revision, Valid: rec.Revision != ""},
		IsDir:    rec.IsDir,
		PathKey:  pathKey(rec.Path),
	}
}

// pathKey is the case-insensitive form of a remote path that every folded
// lookup compares against. Descendants of k sort in [k+"/", k+"0").
func pathKey(p string) string {
	return strings.ToLower(strings.TrimSuffix(p, "/"))
}

// below returns the SQL condition and arguments matching keys strictly below key.
func below(key string) (string, []any) {
	return "(path_key >= ? AND path_key < ?)", []any{key + "/", key + "0"}
}

// Index is the persisted mapping remoteID -> last known path and revision for
// one managed root. It is the source of truth for what the local tree holds.
// Every mutating call is committed and synced before it returns.
type Index struct {
	db     *sqlx.DB
	dbPath string
	logger *slog.Logger
}

// OpenIndex opens or creates the index stored in root's state directory.
func OpenIndex(root string) (*Index, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: root %s: %w", ErrStorageUnavailable, root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: root %s is not a directory", ErrStorageUnavailable, root)
	}

	return openIndexAt(filepath.Join(root, StateDirName, indexFileName))
}

func openIndexAt(dbPath string) (*Index, error) {
	conn, err := db.NewSqliteDB(db.WithPath(dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	if _, err := conn.Exec(indexSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: initialize schema: %w", ErrStorageUnavailable, err)
	}
	if err := migratePathKey(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: migrate schema: %w", ErrStorageUnavailable, err)
	}

	return &Index{db: conn, dbPath: dbPath, logger: slog.Default()}, nil
}

// migratePathKey adds and fills path_key in databases created before it existed.
func migratePathKey(conn *sqlx.DB) error {
	var n int
	if err := conn.Get(&n, "SELECT COUNT(*) FROM pragma_table_info('records') WHERE name = 'path_key'"); err != nil {
		return err
	}
	if n == 0 {
		if _, err := conn.Exec("ALTER TABLE records ADD COLUMN path_key TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
		var rows []dbRecord
		if err := conn.Select(&rows, selectRecords); err != nil {
			return err
		}
		for _, row := range rows {
			if _, err := conn.Exec("UPDATE records SET path_key = ? WHERE remote_id = ?", pathKey(row.Path), row.RemoteID); err != nil {
				return err
			}
		}
	}
	_, err := conn.Exec(indexPathKey)
	return err
}

// WithLogger returns a view of the same index that logs to l.
func (x *Index) WithLogger(l *slog.Logger) *Index {
	if l == nil {
		l = slog.Default()
	}
	return &Index{db: x.db, dbPath: x.dbPath, logger: l}
}

func (x *Index) Close() error {
	if err := x.db.Close(); err != nil {
		x.logger.Error("failed to close index database", "path", x.dbPath, "error", err)
		return err
	}
	return nil
}

// Checkpoints returns the cursor log stored alongside the index.
func (x *Index) Checkpoints() *Checkpoints {
	return &Checkpoints{db: x.db, logger: x.logger}
}

// Get returns the record for remoteID, or nil when there is none.
func (x *Index) Get(remoteID string) (*Record, error) {
	var row dbRecord
	err := x.db.Get(&row, selectRecords+" WHERE remote_id = ?", remoteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("get record "+remoteID, err)
	}
	return row.toRecord(), nil
}

// List returns every record, in no particular order.
func (x *Index) List() ([]*Record, error) {
	var rows []dbRecord
	if err := x.db.Select(&rows, selectRecords); err != nil {
		return nil, storageErr("list records", err)
	}

	records := make([]*Record, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toRecord())
	}
	return records, nil
}

// Count returns the number of records.
func (x *Index) Count() (int, error) {
	var n int
	if err := x.db.Get(&n, "SELECT COUNT(*) FROM records"); err != nil {
		return 0, storageErr("count records", err)
	}
	return n, nil
}

// Put stores rec, fully replacing any previous record for the same remote id.
// Fields are never merged, so a stale case variant of the path cannot survive.
func (x *Index) Put(rec *Record) error {
	if rec == nil || rec.RemoteID == "" {
		return fmt.Errorf("%w: put record with empty remote id", ErrStorageUnavailable)
	}

	err := x.inTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec("DELETE FROM records WHERE remote_id = ?", rec.RemoteID); err != nil {
			return err
		}
		_, err := tx.NamedExec(`INSERT INTO records (remote_id, path, revision, is_dir, path_key)
		                        VALUES (:remote_id, :path, :revision, :is_dir, :path_key)`, fromRecord(rec))
		return err
	})
	if err != nil {
		return storageErr("put record "+rec.RemoteID, err)
	}

	x.logger.Debug("index put", "id", rec.RemoteID, "path", rec.Path, "rev", rec.Revision)
	return nil
}

// Delete removes the record for remoteID. Missing records are not an error.
func (x *Index) Delete(remoteID string) error {
	if _, err := x.db.Exec("DELETE FROM records WHERE remote_id = ?", remoteID); err != nil {
		return storageErr("delete record "+remoteID, err)
	}
	return nil
}

// DeleteTree removes every record whose path lies below dir, compared
// case-insensitively, and returns how many were removed. The record for dir
// itself is untouched.
func (x *Index) DeleteTree(dir string) (int, error) {
	cond, args := below(pathKey(dir))
	res, err := x.db.Exec("DELETE FROM records WHERE "+cond, args...)
	if err != nil {
		return 0, storageErr("delete tree "+dir, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("delete tree "+dir, err)
	}
	return int(n), nil
}

// Owner returns a record other than exceptID whose path equals p,
// compared case-insensitively, or nil when there is none.
func (x *Index) Owner(p, exceptID string) (*Record, error) {
	var row dbRecord
	err := x.db.Get(&row, selectRecords+" WHERE path_key = ? AND remote_id != ? LIMIT 1", pathKey(p), exceptID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("owner of "+p, err)
	}
	return row.toRecord(), nil
}

// Claims reports whether any record sits at p or below it, compared
// case-insensitively.
func (x *Index) Claims(p string) (bool, error) {
	key := pathKey(p)
	cond, args := below(key)
	var n int
	err := x.db.Get(&n, "SELECT COUNT(*) FROM (SELECT 1 FROM records WHERE path_key = ? OR "+cond+" LIMIT 1)",
		append([]any{key}, args...)...)
	if err != nil {
		return false, storageErr("claims "+p, err)
	}
	return n > 0, nil
}

// Evict drops every record at or below p except exceptID, after the node at p
// was removed to make room for a different type.
func (x *Index) Evict(p, exceptID string) (int, error) {
	key := pathKey(p)
	cond, args := below(key)
	res, err := x.db.Exec("DELETE FROM records WHERE remote_id != ? AND (path_key = ? OR "+cond+")",
		append([]any{exceptID, key}, args...)...)
	if err != nil {
		return 0, storageErr("evict "+p, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("evict "+p, err)
	}
	return int(n), nil
}

// Relocate rewrites the paths of every record below oldDir so they sit below
// newDir instead, after the directory itself was moved.
func (x *Index) Relocate(oldDir, newDir string) (int, error) {
	oldDir = strings.TrimSuffix(oldDir, "/")
	newDir = strings.TrimSuffix(newDir, "/")

	moved := 0
	err := x.inTx(func(tx *sqlx.Tx) error {
		rows, err := descendants(tx, oldDir)
		if err != nil {
			return err
		}
		for _, row := range rows {
			newPath := newDir + row.Path[len(oldDir):]
			if _, err := tx.Exec("UPDATE records SET path = ?, path_key = ? WHERE remote_id = ?",
				newPath, pathKey(newPath), row.RemoteID); err != nil {
				return err
			}
		}
		moved = len(rows)
		return nil
	})
	if err != nil {
		return 0, storageErr("relocate "+oldDir, err)
	}
	return moved, nil
}

// Reset clears every record and every checkpoint, for a from-scratch resync.
func (x *Index) Reset() error {
	err := x.inTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec("DELETE FROM records"); err != nil {
			return err
		}
		_, err := tx.Exec("DELETE FROM checkpoints")
		return err
	})
	if err != nil {
		return storageErr("reset", err)
	}

	x.logger.Info("index reset", "path", x.dbPath)
	return nil
}

func (x *Index) inTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := x.db.Beginx()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// descendants returns the rows strictly below dir, compared case-sensitively.
func descendants(tx *sqlx.Tx, dir string) ([]dbRecord, error) {
	var rows []dbRecord
	pattern := escapeLike(strings.TrimSuffix(dir, "/")) + "/%"
	// LIKE folds ASCII case, so it only narrows the candidates
	if err := tx.Select(&rows, selectRecords+` WHERE path LIKE ? ESCAPE '\'`, pattern); err != nil {
		return nil, err
	}

	matched := rows[:0]
	for _, row := range rows {
		if hasPathPrefix(row.Path, dir) {
			matched = append(matched, row)
		}
	}
	return matched, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
