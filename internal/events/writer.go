package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mitwatch/internal/domain"
)

const (
	TypeSessionBegin      = "session.begin"
	TypeSessionEnd        = "session.end"
	TypeOverwriteDetected = "overwrite.detected"
	TypeCatalogReload     = "catalog.reload"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one journal row. A nil ex writes through w.DB.
func (w Writer) Append(ctx context.Context, ex Execer, evtType, sessionID string, actorID uint32, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if ex == nil {
		if w.DB == nil {
			return fmt.Errorf("events: no database")
		}
		ex = w.DB
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,session_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		domain.FormatTime(w.Now()), evtType, nullable(sessionID), nullableID(actorID), string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
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
