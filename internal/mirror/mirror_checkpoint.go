package mirror

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Checkpoint is one saved feed position.
type Checkpoint struct {
	ID        int64
	CreatedAt time.Time
	Cursor    string
}

type dbCheckpoint struct {
	ID        int64  `db:"id"`
	CreatedAt string `db:"created_at"`
	Cursor    string `db:"cursor"`
}

// Checkpoints is an append-only log of cursors. The newest row wins; older
// rows are kept so a crash mid-save can never damage the previous position.
type Checkpoints struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

func (c *Checkpoints) log() *slog.Logger {
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

// Load returns the most recently saved cursor, or "" when nothing was saved,
// which means "fetch everything from the beginning".
func (c *Checkpoints) Load() (string, error) {
	var cursor string
	err := c.db.Get(&cursor, "SELECT cursor FROM checkpoints ORDER BY id DESC LIMIT 1")
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", storageErr("load checkpoint", err)
	}
	return cursor, nil
}

// Save appends cursor as the newest checkpoint.
func (c *Checkpoints) Save(cursor string) error {
	if cursor == "" {
		return fmt.Errorf("%w: refusing to save empty cursor", ErrStorageUnavailable)
	}

	now := time.Now
	if c.now != nil {
		now = c.now
	}

	_, err := c.db.Exec("INSERT INTO checkpoints (created_at, cursor) VALUES (?, ?)",
		now().UTC().Format(time.RFC3339Nano), cursor)
	if err != nil {
		return storageErr("save checkpoint", err)
	}

	c.log().Debug("checkpoint saved", "cursor", cursor)
	return nil
}

// History returns up to limit checkpoints, newest first. limit <= 0 returns all.
func (c *Checkpoints) History(limit int) ([]Checkpoint, error) {
	query := "SELECT id, created_at, cursor FROM checkpoints ORDER BY id DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []dbCheckpoint
	if err := c.db.Select(&rows, query, args...); err != nil {
		return nil, storageErr("checkpoint history", err)
	}

	history := make([]Checkpoint, 0, len(rows))
	for _, row := range rows {
		createdAt, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
		if err != nil {
			c.log().Warn("failed to parse checkpoint timestamp", "id", row.ID, "value", row.CreatedAt, "error", err)
		}
		history = append(history, Checkpoint{ID: row.ID, CreatedAt: createdAt, Cursor: row.Cursor})
	}
	return history, nil
}
