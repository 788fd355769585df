package events

// Typed payloads, one per trigger type. Structured triggers carry known
// fields; decoding them at the boundary keeps the matcher and executor off
// the raw map.

// LeadStageChanged is published by the CRM service when a lead moves between
// pipeline stages.
type LeadStageChanged struct {
	LeadID      uint   `json:"leadId"`
	ContactID   uint   `json:"contactId,omitempty"`
	PipelineID  uint   `json:"pipelineId"`
	FromStageID uint   `json:"fromStageId,omitempty"`
	ToStageID   uint   `json:"toStageId"`
	Title       string `json:"title,omitempty"`
}

// DealStageChanged is published by the pipeline service when a deal moves.
type DealStageChanged struct {
	DealID      uint `json:"dealId"`
	PipelineID  uint `json:"pipelineId"`
	FromStageID uint `json:"fromStageId,omitempty"`
	ToStageID   uint `json:"toStageId"`
}

// ContactCreated is published by the CRM service for new contacts.
type ContactCreated struct {
	ContactID uint   `json:"contactId"`
	Source    string `json:"source,omitempty"`
}

// MessageReceived is published by the messaging bridge.
type MessageReceived struct {
	ContactID uint   `json:"contactId"`
	Channel   string `json:"channel"`
	Text      string `json:"text,omitempty"`
}

// LeadSLABreach is synthesized by the SLA scanner. BreachDate is a UTC
// calendar day ("2006-01-02"); its day granularity is what bounds repeat
// notifications to once per day.
type LeadSLABreach struct {
	LeadID      uint   `json:"leadId"`
	PipelineID  uint   `json:"pipelineId"`
	StageID     uint   `json:"stageId"`
	DaysInStage int    `json:"daysInStage"`
	BreachDate  string `json:"breachDate"`
}

// DealSLABreach mirrors LeadSLABreach for deals.
type DealSLABreach struct {
	DealID      uint   `json:"dealId"`
	PipelineID  uint   `json:"pipelineId"`
	StageID     uint   `json:"stageId"`
	DaysInStage int    `json:"daysInStage"`
	BreachDate  string `json:"breachDate"`
}

// TeamNotification is the notify_team action output, consumed by the
// messaging services.
type TeamNotification struct {
	RuleID     uint   `json:"ruleId"`
	RuleName   string `json:"ruleName"`
	EntityType string `json:"entityType"`
	EntityID   uint   `json:"entityId"`
	Message    string `json:"message"`
}
