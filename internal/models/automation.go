package models

import "time"

// Trigger types an automation rule can react to. Structured triggers
// (stage changes, SLA breaches) are matched against TriggerConditions;
// everything else goes through the generic condition list.
const (
	TriggerLeadStageChanged = "lead.stage.changed"
	TriggerDealStageChanged = "deal.stage.changed"
	TriggerContactCreated   = "contact.created"
	TriggerMessageReceived  = "message.received"
	TriggerLeadSLABreach    = "lead.sla.breach"
	TriggerDealSLABreach    = "deal.sla.breach"
	TriggerGeneric          = "crm.generic"
)

// Execution statuses recorded in the ledger.
const (
	ExecutionSuccess = "success"
	ExecutionSkipped = "skipped"
	ExecutionFailed  = "failed"
)

// Entity types an execution row can reference.
const (
	EntityLead    = "lead"
	EntityDeal    = "deal"
	EntityGeneric = "generic"
)

// AutomationRule defines one org-scoped rule: when TriggerType fires and the
// conditions hold, run the action list in order. Created and edited by org
// admins through the admin API; the engine only ever reads it.
type AutomationRule struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	OrganizationID    uint      `gorm:"index:idx_rules_org_trigger;not null" json:"organization_id"`
	Name              string    `gorm:"not null" json:"name"`
	TriggerType       string    `gorm:"index:idx_rules_org_trigger;not null" json:"trigger_type"`
	TriggerConditions string    `gorm:"type:text" json:"trigger_conditions"` // JSON: {pipelineId,toStageId} or {pipelineId,stageId,maxDays}
	Conditions        string    `gorm:"type:text" json:"conditions"`         // JSON: [{field,op,value}]
	Actions           string    `gorm:"type:text" json:"actions"`            // JSON: [{type,params}]
	Active            bool      `gorm:"default:true" json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AutomationExecution is the execution ledger: at most one row per
// (rule, entity) for stage-change triggers and per (rule, entity, breach day)
// for SLA triggers. The partial unique indexes carry the whole idempotency
// guarantee; there is no application-level locking. Rows are append-only and
// never updated or deleted by the engine.
type AutomationExecution struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	RuleID         uint   `gorm:"uniqueIndex:uidx_exec_entity,where:breach_date IS NULL;uniqueIndex:uidx_exec_breach,where:breach_date IS NOT NULL;not null" json:"rule_id"`
	OrganizationID uint   `gorm:"index" json:"organization_id"`
	TriggerType    string `gorm:"not null" json:"trigger_type"`
	Status         string `gorm:"index" json:"status"` // success, skipped, failed
	EntityType     string `gorm:"uniqueIndex:uidx_exec_entity,where:breach_date IS NULL;uniqueIndex:uidx_exec_breach,where:breach_date IS NOT NULL;not null" json:"entity_type"`
	EntityID       uint   `gorm:"uniqueIndex:uidx_exec_entity,where:breach_date IS NULL;uniqueIndex:uidx_exec_breach,where:breach_date IS NOT NULL;not null" json:"entity_id"`
	DealID         *uint  `json:"deal_id,omitempty"`
	CorrelationID  string `gorm:"index" json:"correlation_id"`
	EventID        string `json:"event_id"`
	// BreachDate is set only for SLA triggers, truncated to a UTC calendar day.
	BreachDate *time.Time     `gorm:"uniqueIndex:uidx_exec_breach,where:breach_date IS NOT NULL" json:"breach_date,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	Rule       AutomationRule `gorm:"foreignKey:RuleID" json:"rule,omitempty"`
}
