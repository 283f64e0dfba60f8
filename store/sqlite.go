package store

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/mattn/go-sqlite3"

	"github.com/logux/logux-server/action"
	"github.com/logux/logux-server/errors"
)

// SQLite is a Store backed by a single SQLite table, for deployments that
// need the log to survive a restart. Reasons are stored as a JSON array
// since SQLite has no native array type.
type SQLite struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS actions (
	id          TEXT PRIMARY KEY,
	action_json TEXT NOT NULL,
	meta_json   TEXT NOT NULL,
	added       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS actions_added_idx ON actions(added);
`

// NewSQLite opens (creating if necessary) a SQLite-backed Store at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite store %q", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create sqlite store schema")
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Add(ctx context.Context, a action.Action, meta *action.Meta) (bool, error) {
	var exists int
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM actions WHERE id = ?`, meta.ID)
	if err := row.Scan(&exists); err == nil {
		return false, nil
	} else if err != sql.ErrNoRows {
		return false, errors.Wrapf(err, "check existing action %q", meta.ID)
	}

	var maxAdded sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(added) FROM actions`).Scan(&maxAdded); err != nil {
		return false, errors.Wrap(err, "read max added counter")
	}
	meta.Added = maxAdded.Int64 + 1

	actionJSON, err := json.Marshal(a)
	if err != nil {
		return false, errors.Wrap(err, "marshal action")
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return false, errors.Wrap(err, "marshal meta")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO actions (id, action_json, meta_json, added) VALUES (?, ?, ?, ?)`,
		meta.ID, string(actionJSON), string(metaJSON), meta.Added)
	if err != nil {
		return false, errors.Wrapf(err, "insert action %q", meta.ID)
	}
	return true, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (Entry, bool, error) {
	var actionJSON, metaJSON string
	err := s.db.QueryRowContext(ctx, `SELECT action_json, meta_json FROM actions WHERE id = ?`, id).
		Scan(&actionJSON, &metaJSON)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, errors.Wrapf(err, "get action %q", id)
	}
	return decodeEntry(actionJSON, metaJSON)
}

func (s *SQLite) ChangeMeta(ctx context.Context, id string, change func(*action.Meta)) error {
	var actionJSON, metaJSON string
	err := s.db.QueryRowContext(ctx, `SELECT action_json, meta_json FROM actions WHERE id = ?`, id).
		Scan(&actionJSON, &metaJSON)
	if err == sql.ErrNoRows {
		return errors.Wrapf(ErrNotFound, "change meta %q", id)
	}
	if err != nil {
		return errors.Wrapf(err, "read action %q for meta change", id)
	}

	entry, _, err := decodeEntry(actionJSON, metaJSON)
	if err != nil {
		return err
	}
	change(entry.Meta)

	newMetaJSON, err := json.Marshal(entry.Meta)
	if err != nil {
		return errors.Wrap(err, "marshal changed meta")
	}
	_, err = s.db.ExecContext(ctx, `UPDATE actions SET meta_json = ? WHERE id = ?`, string(newMetaJSON), id)
	if err != nil {
		return errors.Wrapf(err, "persist changed meta %q", id)
	}
	return nil
}

func (s *SQLite) RemoveReason(ctx context.Context, reason string, filter func(action.Action, *action.Meta) bool) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, action_json, meta_json FROM actions`)
	if err != nil {
		return errors.Wrap(err, "scan actions for reason removal")
	}
	type update struct {
		id      string
		del     bool
		metaRaw string
	}
	var updates []update
	for rows.Next() {
		var id, actionJSON, metaJSON string
		if err := rows.Scan(&id, &actionJSON, &metaJSON); err != nil {
			rows.Close()
			return errors.Wrap(err, "scan action row")
		}
		entry, _, err := decodeEntry(actionJSON, metaJSON)
		if err != nil {
			rows.Close()
			return err
		}
		if filter != nil && !filter(entry.Action, entry.Meta) {
			continue
		}
		if !entry.Meta.HasReason(reason) {
			continue
		}
		empty := entry.Meta.RemoveReason(reason)
		if empty {
			updates = append(updates, update{id: id, del: true})
			continue
		}
		newMetaJSON, err := json.Marshal(entry.Meta)
		if err != nil {
			rows.Close()
			return errors.Wrap(err, "marshal meta after reason removal")
		}
		updates = append(updates, update{id: id, metaRaw: string(newMetaJSON)})
	}
	rows.Close()

	for _, u := range updates {
		if u.del {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM actions WHERE id = ?`, u.id); err != nil {
				return errors.Wrapf(err, "delete action %q", u.id)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE actions SET meta_json = ? WHERE id = ?`, u.metaRaw, u.id); err != nil {
			return errors.Wrapf(err, "update action %q after reason removal", u.id)
		}
	}
	return nil
}

func (s *SQLite) Each(ctx context.Context, fn func(Entry) bool) error {
	rows, err := s.db.QueryContext(ctx, `SELECT action_json, meta_json FROM actions ORDER BY added ASC`)
	if err != nil {
		return errors.Wrap(err, "iterate actions")
	}
	defer rows.Close()
	for rows.Next() {
		var actionJSON, metaJSON string
		if err := rows.Scan(&actionJSON, &metaJSON); err != nil {
			return errors.Wrap(err, "scan action row")
		}
		entry, _, err := decodeEntry(actionJSON, metaJSON)
		if err != nil {
			return err
		}
		if !fn(entry) {
			break
		}
	}
	return rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func decodeEntry(actionJSON, metaJSON string) (Entry, bool, error) {
	var a action.Action
	if err := json.Unmarshal([]byte(actionJSON), &a); err != nil {
		return Entry{}, false, errors.Wrap(err, "unmarshal stored action")
	}
	var meta action.Meta
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return Entry{}, false, errors.Wrap(err, "unmarshal stored meta")
	}
	return Entry{Action: a, Meta: &meta}, true, nil
}
