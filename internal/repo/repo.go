package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mitwatch/internal/domain"
)

// FatalLookback bounds how old a hit may be to be marked as the killing
// blow.
const FatalLookback = 3 * time.Second

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sessionColumns = `id,started_at,ended_at,territory_id,territory_name,content_id,content_name`

func scanSession(row *sql.Row) (domain.CombatSession, error) {
	var (
		s       domain.CombatSession
		started string
		ended   sql.NullString
	)
	err := row.Scan(&s.ID, &started, &ended, &s.Duty.TerritoryID, &s.Duty.TerritoryName, &s.Duty.ContentID, &s.Duty.ContentName)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if s.StartedAt, err = domain.ParseTime(started); err != nil {
		return s, fmt.Errorf("session %s started_at: %w", s.ID, err)
	}
	if ended.Valid {
		t, err := domain.ParseTime(ended.String)
		if err != nil {
			return s, fmt.Errorf("session %s ended_at: %w", s.ID, err)
		}
		s.EndedAt = &t
	}
	return s, nil
}

func openSession(ctx context.Context, q queryer) (domain.CombatSession, error) {
	return scanSession(q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE ended_at IS NULL ORDER BY seq DESC LIMIT 1`))
}

func insertSession(ctx context.Context, tx *sql.Tx, duty domain.DutyContext, at time.Time) (domain.CombatSession, error) {
	s := domain.CombatSession{ID: uuid.NewString(), StartedAt: at.UTC(), Duty: duty}
	_, err := tx.ExecContext(ctx, `INSERT INTO sessions(id,started_at,territory_id,territory_name,content_id,content_name) VALUES (?,?,?,?,?,?)`,
		s.ID, domain.FormatTime(at), duty.TerritoryID, duty.TerritoryName, duty.ContentID, duty.ContentName)
	if err != nil {
		return s, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

// OpenSession returns the session that has not ended yet.
func (r Repo) OpenSession(ctx context.Context) (domain.CombatSession, error) {
	return openSession(ctx, r.DB)
}

// BeginSession opens a session at at. When one is already open it is
// returned unchanged and created is false.
func (r Repo) BeginSession(ctx context.Context, duty domain.DutyContext, at time.Time) (s domain.CombatSession, created bool, err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, false, err
	}
	defer tx.Rollback()
	s, err = openSession(ctx, tx)
	if err == nil {
		return s, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return s, false, err
	}
	if s, err = insertSession(ctx, tx, duty, at); err != nil {
		return s, false, err
	}
	return s, true, tx.Commit()
}

// EndSession closes the open session. A session without events is dropped
// instead. The store is then trimmed to maxEvents. It returns the id of
// the closed session, or "" when nothing was kept.
func (r Repo) EndSession(ctx context.Context, at time.Time, maxEvents int) (string, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	s, err := openSession(ctx, tx)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM damage_events WHERE session_id=?`, s.ID).Scan(&n); err != nil {
		return "", err
	}
	kept := s.ID
	if n == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, s.ID); err != nil {
			return "", fmt.Errorf("drop empty session: %w", err)
		}
		kept = ""
	} else if _, err := tx.ExecContext(ctx, `UPDATE sessions SET ended_at=? WHERE id=?`, domain.FormatTime(at), s.ID); err != nil {
		return "", fmt.Errorf("end session: %w", err)
	}
	if err := trim(ctx, tx, maxEvents); err != nil {
		return "", err
	}
	return kept, tx.Commit()
}

// AddDamageEvent stores rec in the open session, opening one at the hit
// time when none exists. rec.ID and rec.SessionID are filled in.
func (r Repo) AddDamageEvent(ctx context.Context, rec *domain.DamageEventRecord, maxEvents int) error {
	active, err := json.Marshal(nonNilActive(rec.Active))
	if err != nil {
		return fmt.Errorf("marshal active: %w", err)
	}
	missing, err := json.Marshal(nonNilMissing(rec.Missing))
	if err != nil {
		return fmt.Errorf("marshal missing: %w", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	s, err := openSession(ctx, tx)
	if errors.Is(err, ErrNotFound) {
		s, err = insertSession(ctx, tx, rec.Duty, rec.Timestamp)
	}
	if err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.SessionID = s.ID
	_, err = tx.ExecContext(ctx, `INSERT INTO damage_events(id,session_id,ts,target_id,target_name,target_job,source_id,source_name,action_id,action_name,damage_amount,damage_type,reduction_percent,is_fatal,active_json,missing_json) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, s.ID, domain.FormatTime(rec.Timestamp), rec.TargetID, rec.TargetName, rec.TargetJob.String(),
		nullableID(rec.SourceID), nullable(rec.SourceName), nullableID(rec.ActionID), nullable(rec.ActionName),
		rec.DamageAmount, nullable(rec.DamageType), rec.ReductionPercent, boolInt(rec.IsFatal), string(active), string(missing))
	if err != nil {
		return fmt.Errorf("insert damage event: %w", err)
	}
	if err := trim(ctx, tx, maxEvents); err != nil {
		return err
	}
	return tx.Commit()
}

// trim drops whole sessions, oldest first, while more than one remains
// and the event total exceeds maxEvents, then the oldest events of what
// is left.
func trim(ctx context.Context, tx *sql.Tx, maxEvents int) error {
	if maxEvents <= 0 {
		return nil
	}
	var total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM damage_events`).Scan(&total); err != nil {
		return err
	}
	for total > maxEvents {
		var sessions int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&sessions); err != nil {
			return err
		}
		if sessions <= 1 {
			break
		}
		var (
			oldest string
			n      int
		)
		err := tx.QueryRowContext(ctx, `SELECT s.id, (SELECT COUNT(*) FROM damage_events d WHERE d.session_id=s.id) FROM sessions s ORDER BY s.seq ASC LIMIT 1`).Scan(&oldest, &n)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM damage_events WHERE session_id=?`, oldest); err != nil {
			return fmt.Errorf("trim session events: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, oldest); err != nil {
			return fmt.Errorf("trim session: %w", err)
		}
		total -= n
	}
	if total > maxEvents {
		_, err := tx.ExecContext(ctx, `DELETE FROM damage_events WHERE seq IN (SELECT seq FROM damage_events ORDER BY seq ASC LIMIT ?)`, total-maxEvents)
		if err != nil {
			return fmt.Errorf("trim events: %w", err)
		}
	}
	return nil
}

// MarkLatestFatal flags the latest stored hit on targetID as fatal. Only
// the open session, or the latest one when none is open, is searched. It
// reports false when that hit is already fatal or older than
// FatalLookback.
func (r Repo) MarkLatestFatal(ctx context.Context, targetID uint32, at time.Time) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	s, err := openSession(ctx, tx)
	if errors.Is(err, ErrNotFound) {
		s, err = scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY seq DESC LIMIT 1`))
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var (
		seq   int64
		ts    string
		fatal int
	)
	err = tx.QueryRowContext(ctx, `SELECT seq,ts,is_fatal FROM damage_events WHERE session_id=? AND target_id=? ORDER BY seq DESC LIMIT 1`, s.ID, targetID).Scan(&seq, &ts, &fatal)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if fatal != 0 {
		return false, nil
	}
	hitAt, err := domain.ParseTime(ts)
	if err != nil {
		return false, err
	}
	if at.Sub(hitAt) > FatalLookback {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE damage_events SET is_fatal=1 WHERE seq=?`, seq); err != nil {
		return false, fmt.Errorf("mark fatal: %w", err)
	}
	return true, tx.Commit()
}

// ListSessionSummaries returns sessions newest first. limit <= 0 lists all.
func (r Repo) ListSessionSummaries(ctx context.Context, limit int) ([]domain.SessionSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT s.id,s.started_at,s.ended_at,s.territory_id,s.territory_name,s.content_id,s.content_name,
		COUNT(d.seq), COALESCE(SUM(d.is_fatal),0)
		FROM sessions s LEFT JOIN damage_events d ON d.session_id=s.id
		GROUP BY s.seq ORDER BY s.seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.SessionSummary{}
	for rows.Next() {
		var (
			sum     domain.SessionSummary
			started string
			ended   sql.NullString
		)
		if err := rows.Scan(&sum.ID, &started, &ended, &sum.Duty.TerritoryID, &sum.Duty.TerritoryName, &sum.Duty.ContentID, &sum.Duty.ContentName, &sum.EventCount, &sum.FatalCount); err != nil {
			return nil, err
		}
		if sum.StartedAt, err = domain.ParseTime(started); err != nil {
			return nil, err
		}
		if ended.Valid {
			t, err := domain.ParseTime(ended.String)
			if err != nil {
				return nil, err
			}
			sum.EndedAt = &t
		}
		res = append(res, sum)
	}
	return res, rows.Err()
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.CombatSession, error) {
	return scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
}

// SessionEvents returns the stored hits of a session in arrival order.
func (r Repo) SessionEvents(ctx context.Context, id string) ([]domain.DamageEventRecord, error) {
	s, err := r.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,target_id,target_name,target_job,source_id,source_name,action_id,action_name,damage_amount,damage_type,reduction_percent,is_fatal,active_json,missing_json
		FROM damage_events WHERE session_id=? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.DamageEventRecord{}
	for rows.Next() {
		var (
			rec                    domain.DamageEventRecord
			ts, job                string
			sourceID, actionID     sql.NullInt64
			sourceName, actionName sql.NullString
			damageType             sql.NullString
			fatal                  int
			active, missing        string
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.TargetID, &rec.TargetName, &job, &sourceID, &sourceName, &actionID, &actionName,
			&rec.DamageAmount, &damageType, &rec.ReductionPercent, &fatal, &active, &missing); err != nil {
			return nil, err
		}
		if rec.Timestamp, err = domain.ParseTime(ts); err != nil {
			return nil, err
		}
		rec.SessionID = s.ID
		rec.Duty = s.Duty
		// Unknown names read back as OTHER.
		rec.TargetJob, _ = domain.ParseJob(job)
		rec.SourceID = uint32(sourceID.Int64)
		rec.SourceName = sourceName.String
		rec.ActionID = uint32(actionID.Int64)
		rec.ActionName = actionName.String
		rec.DamageType = damageType.String
		rec.IsFatal = fatal != 0
		if err := json.Unmarshal([]byte(active), &rec.Active); err != nil {
			return nil, fmt.Errorf("event %s active: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(missing), &rec.Missing); err != nil {
			return nil, fmt.Errorf("event %s missing: %w", rec.ID, err)
		}
		rec.Active = nonNilActive(rec.Active)
		rec.Missing = nonNilMissing(rec.Missing)
		res = append(res, rec)
	}
	return res, rows.Err()
}

// Totals counts stored sessions and hits.
func (r Repo) Totals(ctx context.Context) (sessions, events int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT (SELECT COUNT(*) FROM sessions), (SELECT COUNT(*) FROM damage_events)`).Scan(&sessions, &events)
	return sessions, events, err
}

// ClearAll removes every stored session, hit, overwrite and journal row.
func (r Repo) ClearAll(ctx context.Context) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{`DELETE FROM overwrites`, `DELETE FROM damage_events`, `DELETE FROM sessions`, `DELETE FROM events`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
	}
	return tx.Commit()
}

// InsertOverwrites stores detected overwrites against sessionID, which may
// be empty outside a session.
func (r Repo) InsertOverwrites(ctx context.Context, sessionID string, list []domain.MitigationOverwrite) error {
	if len(list) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, o := range list {
		_, err := tx.ExecContext(ctx, `INSERT INTO overwrites(session_id,ts,applied_actor_id,applied_actor_name,conflict_group_id,old_mitigation_id,old_mitigation_name,old_caster_id,old_caster_name,old_remaining_seconds,new_mitigation_id,new_mitigation_name,new_caster_id,new_caster_name,new_duration_seconds) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			nullable(sessionID), domain.FormatTime(o.Timestamp), o.AppliedActorID, o.AppliedActorName, o.ConflictGroupID,
			o.OldMitigationID, o.OldMitigationName, o.OldCasterID, o.OldCasterName, o.OldRemainingSecs,
			o.NewMitigationID, o.NewMitigationName, o.NewCasterID, o.NewCasterName, o.NewDurationSeconds)
		if err != nil {
			return fmt.Errorf("insert overwrite: %w", err)
		}
	}
	return tx.Commit()
}

// SessionOverwrites returns the overwrites stored for a session, oldest
// first.
func (r Repo) SessionOverwrites(ctx context.Context, id string) ([]domain.MitigationOverwrite, error) {
	if _, err := r.GetSession(ctx, id); err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT ts,applied_actor_id,applied_actor_name,conflict_group_id,old_mitigation_id,old_mitigation_name,old_caster_id,old_caster_name,old_remaining_seconds,new_mitigation_id,new_mitigation_name,new_caster_id,new_caster_name,new_duration_seconds
		FROM overwrites WHERE session_id=? ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.MitigationOverwrite{}
	for rows.Next() {
		var (
			o  domain.MitigationOverwrite
			ts string
		)
		if err := rows.Scan(&ts, &o.AppliedActorID, &o.AppliedActorName, &o.ConflictGroupID, &o.OldMitigationID, &o.OldMitigationName,
			&o.OldCasterID, &o.OldCasterName, &o.OldRemainingSecs, &o.NewMitigationID, &o.NewMitigationName,
			&o.NewCasterID, &o.NewCasterName, &o.NewDurationSeconds); err != nil {
			return nil, err
		}
		if o.Timestamp, err = domain.ParseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// LatestEvents returns journal rows newest first, optionally filtered by
// type and session.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, sessionID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,COALESCE(session_id,''),COALESCE(actor_id,0),COALESCE(payload_json,'{}') FROM events WHERE 1=1`
	var args []any
	if evtType != "" {
		query += ` AND type=?`
		args = append(args, evtType)
	}
	if sessionID != "" {
		query += ` AND session_id=?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SessionID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nonNilActive(v []domain.MitigationContribution) []domain.MitigationContribution {
	if v == nil {
		return []domain.MitigationContribution{}
	}
	return v
}

func nonNilMissing(v []domain.MissingMitigation) []domain.MissingMitigation {
	if v == nil {
		return []domain.MissingMitigation{}
	}
	return v
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableID(v uint32) any {
	if v == 0 {
		return nil
	}
	return int64(v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
