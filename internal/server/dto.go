package server

import (
	"encoding/json"

	"chapterline/internal/domain"
	"chapterline/internal/engine"
)

// Request payloads

type RunRequest struct {
	TemplateID  string `json:"template_id,omitempty"`
	Limit       int    `json:"limit,omitempty" minimum:"0"`
	Force       bool   `json:"force,omitempty"`
	PeriodsBack int    `json:"periods_back,omitempty" minimum:"0"`
	Start       string `json:"start,omitempty" example:"2026-09-01" doc:"Custom range start date (YYYY-MM-DD)"`
	End         string `json:"end,omitempty" example:"2026-09-15" doc:"Exclusive custom range end date (YYYY-MM-DD)"`
}

type ScheduledRunRequest struct {
	Limit int `json:"limit,omitempty" minimum:"0"`
}

type CreateTemplateRequest struct {
	Name     string             `json:"name" minLength:"1"`
	Cadence  domain.Cadence     `json:"cadence" enum:"weekly,monthly,yearly,manual"`
	Timezone string             `json:"timezone,omitempty" example:"Europe/Paris"`
	Kind     domain.Kind        `json:"kind,omitempty" enum:"reflection,report"`
	Detail   domain.Detail      `json:"detail,omitempty" enum:"short,medium,deep"`
	Enabled  *bool              `json:"enabled,omitempty"`
	Filter   *domain.FilterSpec `json:"filter,omitempty"`
}

type DevLoginRequest struct {
	ActorID    string   `json:"actor_id" minLength:"1"`
	Roles      []string `json:"roles,omitempty"`
	TTLSeconds int      `json:"ttl_seconds,omitempty" minimum:"0"`
}

// Response payloads

type DevLoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresAt   string `json:"expires_at" format:"date-time"`
}

type BatchResponse = engine.BatchResult

// ChapterResponse inlines the stored JSON documents instead of returning escaped strings.
type ChapterResponse struct {
	ID           string               `json:"id"`
	OwnerID      string               `json:"owner_id"`
	TemplateID   string               `json:"template_id"`
	PeriodKey    string               `json:"period_key"`
	PeriodStart  string               `json:"period_start" format:"date-time"`
	PeriodEnd    string               `json:"period_end" format:"date-time"`
	PeriodLabel  string               `json:"period_label"`
	Status       domain.ChapterStatus `json:"status" enum:"pending,ready,failed"`
	InputSummary json.RawMessage      `json:"input_summary"`
	Metrics      json.RawMessage      `json:"metrics"`
	Evidence     json.RawMessage      `json:"evidence,omitempty"`
	Output       json.RawMessage      `json:"output,omitempty"`
	Error        *string              `json:"error,omitempty"`
	CreatedAt    string               `json:"created_at" format:"date-time"`
	UpdatedAt    string               `json:"updated_at" format:"date-time"`
}

type ChapterListResponse struct {
	Items []ChapterResponse `json:"items"`
}

type TemplateListResponse struct {
	Items []domain.Template `json:"items"`
}

func raw(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

// ChapterView maps a stored chapter; the evidence block is included only on detail reads.
func ChapterView(c domain.Chapter, withEvidence bool) ChapterResponse {
	out := ChapterResponse{
		ID: c.ID, OwnerID: c.OwnerID, TemplateID: c.TemplateID, PeriodKey: c.PeriodKey,
		PeriodStart: c.PeriodStart, PeriodEnd: c.PeriodEnd, PeriodLabel: c.PeriodLabel, Status: c.Status,
		InputSummary: raw(c.InputSummaryJSON), Metrics: raw(c.MetricsJSON), Error: c.Error,
		CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
	}
	if withEvidence {
		out.Evidence = raw(c.EvidenceJSON)
	}
	if c.OutputJSON != nil {
		out.Output = raw(*c.OutputJSON)
	}
	return out
}
