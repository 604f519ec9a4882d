package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ManuGH/epgrec/internal/dvr"
	"github.com/ManuGH/epgrec/internal/epg"
	"github.com/ManuGH/epgrec/internal/log"
	"github.com/ManuGH/epgrec/internal/metrics"
	"github.com/rs/zerolog"
)

// schemaVersion is stored in PRAGMA user_version.
const schemaVersion = 1

// Store is the SQLite implementation of dvr.Store. It also carries the
// write side of the program guide, which is filled by the EPG importer.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

var _ dvr.Store = (*Store)(nil)

// NewStore opens the database at dbPath and runs migrations.
func NewStore(ctx context.Context, dbPath string, cfg Config) (*Store, error) {
	db, err := Open(ctx, dbPath, cfg)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, logger: log.WithComponent("sqlite")}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS channels (
		id INTEGER PRIMARY KEY,
		service_id INTEGER NOT NULL,
		network_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		channel_type TEXT NOT NULL CHECK(channel_type IN ('GR', 'BS', 'CS', 'SKY')),
		has_logo INTEGER NOT NULL DEFAULT 0,
		remote_control_key_id INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS programs (
		id INTEGER PRIMARY KEY,
		channel_id INTEGER NOT NULL,
		channel_type TEXT NOT NULL CHECK(channel_type IN ('GR', 'BS', 'CS', 'SKY')),
		event_id INTEGER NOT NULL DEFAULT 0,
		service_id INTEGER NOT NULL DEFAULT 0,
		network_id INTEGER NOT NULL DEFAULT 0,
		start_at INTEGER NOT NULL,
		end_at INTEGER NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		extended TEXT NOT NULL DEFAULT '',
		genres TEXT NOT NULL DEFAULT '[]',
		is_free INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_programs_start ON programs(start_at);
	CREATE INDEX IF NOT EXISTS idx_programs_end ON programs(end_at);

	CREATE TABLE IF NOT EXISTS rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		enabled INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS manual_reserves (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		program_id INTEGER,
		time_specified INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reserve_flags (
		reserve_key TEXT PRIMARY KEY,
		rule_id INTEGER REFERENCES rules(id) ON DELETE CASCADE,
		manual_id INTEGER REFERENCES manual_reserves(id) ON DELETE CASCADE,
		program_id INTEGER,
		skip INTEGER NOT NULL DEFAULT 0,
		disable_overlap INTEGER NOT NULL DEFAULT 0,
		CHECK((rule_id IS NULL) != (manual_id IS NULL))
	);

	CREATE TABLE IF NOT EXISTS reserves (
		seq INTEGER NOT NULL,
		reserve_key TEXT PRIMARY KEY,
		rule_id INTEGER,
		manual_id INTEGER,
		program_id INTEGER,
		status TEXT NOT NULL CHECK(status IN ('reserved', 'conflict', 'skip', 'overlap')),
		start_at INTEGER NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reserves_seq ON reserves(seq);

	CREATE TABLE IF NOT EXISTS recorded (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		start_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_recorded_start ON recorded(start_at);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	if version < schemaVersion {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return err
		}
		s.logger.Info().Int("from", version).Int("to", schemaVersion).Msg("database schema migrated")
	}
	return nil
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// UpsertChannels inserts or updates service rows.
func (s *Store) UpsertChannels(ctx context.Context, channels []epg.Channel) error {
	query := `
	INSERT INTO channels (id, service_id, network_id, name, channel_type, has_logo, remote_control_key_id)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		service_id = excluded.service_id,
		network_id = excluded.network_id,
		name = excluded.name,
		channel_type = excluded.channel_type,
		has_logo = excluded.has_logo,
		remote_control_key_id = excluded.remote_control_key_id
	`
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range channels {
			if _, err := tx.ExecContext(ctx, query,
				c.ID, c.ServiceID, c.NetworkID, c.Name, string(c.ChannelType), c.HasLogoData, c.RemoteControlKeyID,
			); err != nil {
				return fmt.Errorf("upsert channel %d: %w", c.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		metrics.IncStoreError("upsert_channels")
		return err
	}
	metrics.AddEPGChannelsUpserted(len(channels))
	return nil
}

// UpsertPrograms inserts or updates program rows.
func (s *Store) UpsertPrograms(ctx context.Context, programs []epg.Program) error {
	query := `
	INSERT INTO programs (id, channel_id, channel_type, event_id, service_id, network_id,
		start_at, end_at, name, description, extended, genres, is_free)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		channel_id = excluded.channel_id,
		channel_type = excluded.channel_type,
		event_id = excluded.event_id,
		service_id = excluded.service_id,
		network_id = excluded.network_id,
		start_at = excluded.start_at,
		end_at = excluded.end_at,
		name = excluded.name,
		description = excluded.description,
		extended = excluded.extended,
		genres = excluded.genres,
		is_free = excluded.is_free
	`
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range programs {
			genres, err := json.Marshal(p.Genres)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query,
				p.ID, p.ChannelID, string(p.ChannelType), p.EventID, p.ServiceID, p.NetworkID,
				p.StartAt, p.EndAt, p.Name, p.Description, p.Extended, string(genres), p.IsFree,
			); err != nil {
				return fmt.Errorf("upsert program %d: %w", p.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		metrics.IncStoreError("upsert_programs")
		return err
	}
	metrics.AddEPGProgramsUpserted(len(programs))
	return nil
}

// DeleteProgramsBefore drops programs that ended before endAt.
func (s *Store) DeleteProgramsBefore(ctx context.Context, endAt int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM programs WHERE end_at < ?`, endAt)
	if err != nil {
		metrics.IncStoreError("prune_programs")
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	metrics.AddEPGProgramsPruned(n)
	return n, nil
}

const programColumns = `id, channel_id, channel_type, event_id, service_id, network_id,
	start_at, end_at, name, description, extended, genres, is_free`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProgram(row rowScanner) (epg.Program, error) {
	var p epg.Program
	var ct, genres string
	if err := row.Scan(&p.ID, &p.ChannelID, &ct, &p.EventID, &p.ServiceID, &p.NetworkID,
		&p.StartAt, &p.EndAt, &p.Name, &p.Description, &p.Extended, &genres, &p.IsFree); err != nil {
		return epg.Program{}, err
	}
	p.ChannelType = epg.ChannelType(ct)
	if genres != "" && genres != "null" {
		if err := json.Unmarshal([]byte(genres), &p.Genres); err != nil {
			return epg.Program{}, fmt.Errorf("program %d genres: %w", p.ID, err)
		}
	}
	return p, nil
}

// FindProgramsInWindow returns programs intersecting [startAt, endAt).
func (s *Store) FindProgramsInWindow(ctx context.Context, startAt, endAt int64, channelType *epg.ChannelType) ([]epg.Program, error) {
	query := `SELECT ` + programColumns + ` FROM programs WHERE start_at < ? AND end_at > ?`
	args := []any{endAt, startAt}
	if channelType != nil {
		query += ` AND channel_type = ?`
		args = append(args, string(*channelType))
	}
	query += ` ORDER BY start_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []epg.Program
	for rows.Next() {
		p, err := scanProgram(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FindProgram returns a program by id.
func (s *Store) FindProgram(ctx context.Context, id int64) (epg.Program, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+programColumns+` FROM programs WHERE id = ?`, id)
	p, err := scanProgram(row)
	if errors.Is(err, sql.ErrNoRows) {
		return epg.Program{}, fmt.Errorf("%w: %d", dvr.ErrProgramNotFound, id)
	}
	return p, err
}

// FindServices returns channels of the given types, ordered by id.
func (s *Store) FindServices(ctx context.Context, types []epg.ChannelType, onlyWithLogo bool) ([]epg.Channel, error) {
	if len(types) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(types)), ", ")
	query := `SELECT id, service_id, network_id, name, channel_type, has_logo, remote_control_key_id
	FROM channels WHERE channel_type IN (` + placeholders + `)`
	args := make([]any, 0, len(types))
	for _, t := range types {
		args = append(args, string(t))
	}
	if onlyWithLogo {
		query += ` AND has_logo = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []epg.Channel
	for rows.Next() {
		var c epg.Channel
		var ct string
		if err := rows.Scan(&c.ID, &c.ServiceID, &c.NetworkID, &c.Name, &ct, &c.HasLogoData, &c.RemoteControlKeyID); err != nil {
			return nil, err
		}
		c.ChannelType = epg.ChannelType(ct)
		out = append(out, c)
	}
	return out, rows.Err()
}

// FindRecordedNames returns recorded entries that started at or after since.
func (s *Store) FindRecordedNames(ctx context.Context, since int64) ([]dvr.Recorded, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, start_at FROM recorded WHERE start_at >= ? ORDER BY start_at, id`, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []dvr.Recorded
	for rows.Next() {
		var r dvr.Recorded
		if err := rows.Scan(&r.Name, &r.StartAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddRecorded appends to the recorded history.
func (s *Store) AddRecorded(ctx context.Context, r dvr.Recorded) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO recorded (name, start_at) VALUES (?, ?)`, r.Name, r.StartAt)
	return err
}

// ListRules returns all rules ordered by id.
func (s *Store) ListRules(ctx context.Context) ([]dvr.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM rules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []dvr.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRule(row rowScanner) (dvr.Rule, error) {
	var id int64
	var data string
	if err := row.Scan(&id, &data); err != nil {
		return dvr.Rule{}, err
	}
	var r dvr.Rule
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return dvr.Rule{}, fmt.Errorf("decode rule %d: %w", id, err)
	}
	r.ID = id
	return r, nil
}

// GetRule returns a rule by id.
func (s *Store) GetRule(ctx context.Context, id int64) (dvr.Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `SELECT id, data FROM rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return dvr.Rule{}, fmt.Errorf("%w: %d", dvr.ErrRuleNotFound, id)
	}
	return r, err
}

// AddRule stores a new rule and returns its id.
func (s *Store) AddRule(ctx context.Context, r dvr.Rule) (int64, error) {
	r.ID = 0
	data, err := json.Marshal(r)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO rules (enabled, data) VALUES (?, ?)`, r.Enabled(), string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateRule replaces a rule.
func (s *Store) UpdateRule(ctx context.Context, r dvr.Rule) error {
	id := r.ID
	r.ID = 0
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE rules SET enabled = ?, data = ? WHERE id = ?`, r.Enabled(), string(data), id)
	if err != nil {
		return err
	}
	return expectRow(res, fmt.Errorf("%w: %d", dvr.ErrRuleNotFound, id))
}

// DeleteRule removes a rule. Its reservation flags go with it.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res, fmt.Errorf("%w: %d", dvr.ErrRuleNotFound, id))
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// ListManual returns all manual reservation requests ordered by id.
func (s *Store) ListManual(ctx context.Context) ([]dvr.ManualReserve, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM manual_reserves ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []dvr.ManualReserve
	for rows.Next() {
		m, err := scanManual(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanManual(row rowScanner) (dvr.ManualReserve, error) {
	var id int64
	var data string
	if err := row.Scan(&id, &data); err != nil {
		return dvr.ManualReserve{}, err
	}
	var m dvr.ManualReserve
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return dvr.ManualReserve{}, fmt.Errorf("decode manual reserve %d: %w", id, err)
	}
	m.ID = id
	return m, nil
}

// GetManual returns a manual reservation request by id.
func (s *Store) GetManual(ctx context.Context, id int64) (dvr.ManualReserve, error) {
	m, err := scanManual(s.db.QueryRowContext(ctx, `SELECT id, data FROM manual_reserves WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return dvr.ManualReserve{}, fmt.Errorf("%w: %s", dvr.ErrReserveNotFound, dvr.Key{ManualID: id})
	}
	return m, err
}

// AddManual stores a manual reservation request and returns its id.
func (s *Store) AddManual(ctx context.Context, m dvr.ManualReserve) (int64, error) {
	m.ID = 0
	data, err := json.Marshal(m)
	if err != nil {
		return 0, err
	}
	var programID sql.NullInt64
	if !m.TimeSpecified {
		programID = sql.NullInt64{Int64: m.ProgramID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO manual_reserves (program_id, time_specified, data) VALUES (?, ?, ?)`,
		programID, m.TimeSpecified, string(data))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// DeleteManual removes a manual reservation request.
func (s *Store) DeleteManual(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM manual_reserves WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectRow(res, fmt.Errorf("%w: %s", dvr.ErrReserveNotFound, dvr.Key{ManualID: id}))
}

// ListFlags returns the flags of every reservation that has any set.
func (s *Store) ListFlags(ctx context.Context) (map[dvr.Key]dvr.Flags, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reserve_key, skip, disable_overlap FROM reserve_flags`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[dvr.Key]dvr.Flags)
	for rows.Next() {
		var key string
		var f dvr.Flags
		if err := rows.Scan(&key, &f.Skip, &f.DisableOverlap); err != nil {
			return nil, err
		}
		k, err := dvr.ParseKey(key)
		if err != nil {
			s.logger.Warn().Err(err).Str(log.FieldReserveID, key).Msg("ignoring malformed reserve flag row")
			continue
		}
		out[k] = f
	}
	return out, rows.Err()
}

// SetFlags stores the flags of a reservation. Zero flags delete the row.
func (s *Store) SetFlags(ctx context.Context, k dvr.Key, f dvr.Flags) error {
	if f == (dvr.Flags{}) {
		_, err := s.db.ExecContext(ctx, `DELETE FROM reserve_flags WHERE reserve_key = ?`, k.String())
		return err
	}

	var ruleID, manualID, programID sql.NullInt64
	if k.Manual() {
		manualID = sql.NullInt64{Int64: k.ManualID, Valid: true}
	} else {
		ruleID = sql.NullInt64{Int64: k.RuleID, Valid: true}
		programID = sql.NullInt64{Int64: k.ProgramID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO reserve_flags (reserve_key, rule_id, manual_id, program_id, skip, disable_overlap)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(reserve_key) DO UPDATE SET
		skip = excluded.skip,
		disable_overlap = excluded.disable_overlap
	`, k.String(), ruleID, manualID, programID, f.Skip, f.DisableOverlap)
	return err
}

// SaveReserves replaces the published set in one transaction.
func (s *Store) SaveReserves(ctx context.Context, reserves []dvr.Reserve) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM reserves`); err != nil {
			return fmt.Errorf("clear reserves: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO reserves (seq, reserve_key, rule_id, manual_id, program_id, status, start_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for i, r := range reserves {
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			k := r.Key()
			var ruleID, manualID sql.NullInt64
			if k.Manual() {
				manualID = sql.NullInt64{Int64: k.ManualID, Valid: true}
			} else {
				ruleID = sql.NullInt64{Int64: k.RuleID, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx,
				i, k.String(), ruleID, manualID, r.Program.ID, string(r.Status), r.Window.StartAt, string(data),
			); err != nil {
				return fmt.Errorf("insert reserve %s: %w", k, err)
			}
		}
		return nil
	})
	if err != nil {
		metrics.IncStoreError("save_reserves")
	}
	return err
}

// LoadReserves returns the published set in the order it was saved.
func (s *Store) LoadReserves(ctx context.Context) ([]dvr.Reserve, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reserve_key, data FROM reserves ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []dvr.Reserve
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, err
		}
		var r dvr.Reserve
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decode reserve %s: %w", key, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
