package pipeline

import "time"

// Config holds pipeline-service client settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// DefaultConfig returns client defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		BaseURL: "http://localhost:8081",
		Timeout: 10 * time.Second,
	}
}

// CreateDealRequest is the POST /deals body.
type CreateDealRequest struct {
	LeadID     uint   `json:"leadId"`
	PipelineID uint   `json:"pipelineId"`
	ContactID  uint   `json:"contactId,omitempty"`
	Title      string `json:"title"`
}

// Deal is the pipeline service's deal representation.
type Deal struct {
	ID             uint      `json:"id"`
	OrganizationID uint      `json:"organization_id"`
	LeadID         uint      `json:"lead_id,omitempty"`
	ContactID      uint      `json:"contact_id,omitempty"`
	PipelineID     uint      `json:"pipeline_id"`
	StageID        uint      `json:"stage_id"`
	Title          string    `json:"title"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UpdateStageRequest is the PATCH /deals/{id}/stage body.
type UpdateStageRequest struct {
	StageID   uint   `json:"stageId"`
	Reason    string `json:"reason,omitempty"`
	AutoMoved bool   `json:"autoMoved"`
}

// Lead is the read-only lead view the SLA scanner queries.
type Lead struct {
	ID             uint      `json:"id"`
	OrganizationID uint      `json:"organization_id"`
	ContactID      uint      `json:"contact_id,omitempty"`
	PipelineID     uint      `json:"pipeline_id"`
	StageID        uint      `json:"stage_id"`
	Title          string    `json:"title"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StaleQuery filters leads/deals that have sat in one stage past a cutoff.
type StaleQuery struct {
	OrganizationID uint
	PipelineID     uint
	StageID        uint
	UpdatedBefore  time.Time
}

// OrgUser is the minimal user view used for the acting-user fallback.
type OrgUser struct {
	ID             uint   `json:"id"`
	OrganizationID uint   `json:"organization_id"`
	Name           string `json:"name"`
}

// ErrorResponse is the collaborator's error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"code,omitempty"`
}
