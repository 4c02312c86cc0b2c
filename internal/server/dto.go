package server

import (
	"encoding/json"

	"mitwatch/internal/domain"
	"mitwatch/internal/session"
)

// Request payloads

type RosterRequest struct {
	Members []domain.RosterMember `json:"members"`
}

type CatalogRequest struct {
	Mitigations []domain.MitigationDefinition `json:"mitigations"`
}

// Response payloads

type UsageResponse struct {
	Overwrites []domain.MitigationOverwrite `json:"overwrites"`
}

type DeathResponse struct {
	Fatal bool `json:"fatal"`
}

type RosterResponse struct {
	Members []domain.RosterMember `json:"members"`
}

type ContextResponse struct {
	Observation session.Observation `json:"observation"`
	Transition  session.Transition  `json:"transition"`
}

type ActiveResponse struct {
	Items []domain.ActiveEffect `json:"items"`
}

type OverwritesResponse struct {
	Items []domain.MitigationOverwrite `json:"items"`
}

type CatalogResponse struct {
	Enabled int                           `json:"enabled"`
	Items   []domain.MitigationDefinition `json:"items"`
}

type SessionsResponse struct {
	Items []domain.SessionSummary `json:"items"`
}

type SessionDetailResponse struct {
	Session    domain.CombatSession         `json:"session"`
	Overwrites []domain.MitigationOverwrite `json:"overwrites"`
}

type SessionEventsResponse struct {
	Items []domain.DamageEventRecord `json:"items"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	ActorID   uint32         `json:"actor_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

type EventsResponse struct {
	Items []EventResponse `json:"items"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:        evt.ID,
		TS:        evt.TS,
		Type:      evt.Type,
		SessionID: evt.SessionID,
		ActorID:   evt.ActorID,
		Payload:   payload,
	}
}
