package mitwatchsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal mitwatch HTTP API client for host adapters.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// RosterMember is one tracked party member. Job is the three-letter
// abbreviation, e.g. "WAR".
type RosterMember struct {
	ActorID uint32 `json:"actor_id"`
	Name    string `json:"name"`
	Job     string `json:"job"`
	Level   int    `json:"level"`
}

// Observation is the host context snapshot.
type Observation struct {
	LoggedIn      bool   `json:"logged_in"`
	TerritoryID   uint32 `json:"territory_id"`
	TerritoryName string `json:"territory_name,omitempty"`
	ContentID     uint32 `json:"content_id,omitempty"`
	ContentName   string `json:"content_name,omitempty"`
	InInstance    bool   `json:"in_instance"`
	InCombat      bool   `json:"in_combat"`
}

// Transition reports lifecycle edges caused by a context update.
type Transition struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Began bool   `json:"began,omitempty"`
	Ended bool   `json:"ended,omitempty"`
	Reset bool   `json:"reset,omitempty"`
}

type Usage struct {
	CasterID   uint32    `json:"caster_id"`
	CasterName string    `json:"caster_name,omitempty"`
	ActionID   uint32    `json:"action_id"`
	Targets    []uint32  `json:"targets"`
	At         time.Time `json:"at,omitempty"`
}

type Damage struct {
	TargetID   uint32    `json:"target_id"`
	SourceID   uint32    `json:"source_id,omitempty"`
	SourceName string    `json:"source_name,omitempty"`
	ActionID   uint32    `json:"action_id,omitempty"`
	ActionName string    `json:"action_name,omitempty"`
	Amount     uint32    `json:"amount"`
	DamageType string    `json:"damage_type,omitempty"`
	At         time.Time `json:"at,omitempty"`
}

// Overwrite is one replaced mitigation (partial).
type Overwrite struct {
	TS                time.Time `json:"ts"`
	AppliedActorID    uint32    `json:"applied_actor_id"`
	ConflictGroupID   string    `json:"conflict_group_id"`
	OldMitigationID   string    `json:"old_mitigation_id"`
	OldCasterID       uint32    `json:"old_caster_id"`
	OldRemainingSecs  float64   `json:"old_remaining_seconds"`
	NewMitigationID   string    `json:"new_mitigation_id"`
	NewMitigationName string    `json:"new_mitigation_name"`
	NewCasterID       uint32    `json:"new_caster_id"`
}

// Contribution is one mitigation active at a hit (partial).
type Contribution struct {
	MitigationID     string  `json:"mitigation_id"`
	MitigationName   string  `json:"mitigation_name"`
	CasterID         uint32  `json:"caster_id"`
	CasterName       string  `json:"caster_name"`
	RemainingSeconds float64 `json:"remaining_seconds"`
}

// Missing is one mitigation that was ready but unused (partial).
type Missing struct {
	MitigationID        string  `json:"mitigation_id"`
	MitigationName      string  `json:"mitigation_name"`
	OwnerID             uint32  `json:"owner_id"`
	OwnerName           string  `json:"owner_name"`
	AvailableForSeconds float64 `json:"available_for_seconds"`
}

// Analysis is the outcome of one reported hit.
type Analysis struct {
	Analyzed         bool           `json:"analyzed"`
	Active           []Contribution `json:"active"`
	Missing          []Missing      `json:"missing"`
	ReductionPercent float64        `json:"reduction_percent"`
	Overwrites       []Overwrite    `json:"overwrites"`
	EventID          string         `json:"event_id,omitempty"`
	SessionID        string         `json:"session_id,omitempty"`
}

// SessionSummary is a session listing row.
type SessionSummary struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EventCount int        `json:"event_count"`
	FatalCount int        `json:"fatal_count"`
}

// Event represents a journal entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	ActorID   uint32         `json:"actor_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Code extracts the error code from the response envelope.
func (e *APIError) Code() string {
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(e.Body), &env); err != nil {
		return ""
	}
	return env.Error.Code
}

// SetContext replaces the host context and returns the lifecycle edge it
// caused.
func (c *Client) SetContext(ctx context.Context, obs Observation) (Transition, error) {
	var resp struct {
		Transition Transition `json:"transition"`
	}
	err := c.do(ctx, http.MethodPut, "ingest/context", obs, &resp)
	return resp.Transition, err
}

// SetRoster replaces the tracked roster.
func (c *Client) SetRoster(ctx context.Context, members []RosterMember) ([]RosterMember, error) {
	var resp struct {
		Members []RosterMember `json:"members"`
	}
	err := c.do(ctx, http.MethodPut, "ingest/roster", map[string]any{"members": members}, &resp)
	return resp.Members, err
}

// ReportUsage records an ability use and returns any overwrites it caused.
func (c *Client) ReportUsage(ctx context.Context, u Usage) ([]Overwrite, error) {
	if u.Targets == nil {
		u.Targets = []uint32{}
	}
	var resp struct {
		Overwrites []Overwrite `json:"overwrites"`
	}
	err := c.do(ctx, http.MethodPost, "ingest/usage", u, &resp)
	return resp.Overwrites, err
}

// ReportDamage analyzes a hit.
func (c *Client) ReportDamage(ctx context.Context, d Damage) (Analysis, error) {
	var resp Analysis
	err := c.do(ctx, http.MethodPost, "ingest/damage", d, &resp)
	return resp, err
}

// ReportDeath marks the latest hit on targetID as fatal. It reports whether
// a hit was marked.
func (c *Client) ReportDeath(ctx context.Context, targetID uint32, at time.Time) (bool, error) {
	body := map[string]any{"target_id": targetID}
	if !at.IsZero() {
		body["at"] = at
	}
	var resp struct {
		Fatal bool `json:"fatal"`
	}
	err := c.do(ctx, http.MethodPost, "ingest/death", body, &resp)
	return resp.Fatal, err
}

// Sessions lists stored sessions, newest first.
func (c *Client) Sessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	endpoint := "sessions"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []SessionSummary `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Events returns recent journal events, optionally filtered by type.
func (c *Client) Events(ctx context.Context, evtType string, limit int) ([]Event, error) {
	q := url.Values{}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
