package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crmflow/internal/config"
	"crmflow/internal/events"
	"crmflow/internal/metrics"
	"crmflow/internal/models"
	"crmflow/pkg/pipeline"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// Action types a rule can carry.
const (
	ActionCreateDeal  = "create_deal"
	ActionMoveToStage = "move_to_stage"
	ActionNotifyTeam  = "notify_team"
	ActionCreateTask  = "create_task"
)

// RuleTarget is the entity a matched rule acts on, resolved from the typed
// event payload by the dispatcher.
type RuleTarget struct {
	EntityType  string
	EntityID    uint
	PipelineID  uint
	StageID     uint // stage the entity sits in (SLA triggers)
	ToStageID   uint // stage the entity moved to (stage-change triggers)
	ContactID   uint
	Title       string
	DaysInStage int
	BreachDate  *time.Time // set only for SLA triggers, UTC day granularity
}

// ActionExecutor runs the ordered action list of one matched rule for one
// entity, and owns the ledger write that makes the whole pipeline idempotent.
//
// Ordering invariant: the collaborator call always happens before the ledger
// row is written. A crash between the two is recovered by redelivery plus the
// collaborator's own 409 uniqueness check, never by a "recorded success" with
// no actual effect.
type ActionExecutor struct {
	db        *gorm.DB
	client    pipeline.API
	publisher events.Publisher
	dlq       *DeadLetterRouter
	recorder  metrics.Recorder
	cfg       config.AutomationConfig
	logger    *logrus.Logger
	tracer    trace.Tracer
}

func NewActionExecutor(db *gorm.DB, client pipeline.API, publisher events.Publisher, dlq *DeadLetterRouter, recorder metrics.Recorder, cfg config.AutomationConfig, logger *logrus.Logger) *ActionExecutor {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &ActionExecutor{
		db:        db,
		client:    client,
		publisher: publisher,
		dlq:       dlq,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("crmflow.executor"),
	}
}

// ExecuteRule runs one matched rule against one entity. Returned errors are
// infrastructure failures only (the ledger is unreachable); every business
// outcome ends in a ledger row and a nil return so the message gets acked.
func (x *ActionExecutor) ExecuteRule(ctx context.Context, rule models.AutomationRule, evt events.Event, target RuleTarget) error {
	ctx, span := x.tracer.Start(ctx, "automation.execute_rule")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("rule.id", int64(rule.ID)),
		attribute.String("entity.type", target.EntityType),
		attribute.Int64("entity.id", int64(target.EntityID)),
	)

	log := x.logger.WithFields(logrus.Fields{
		"rule_id":        rule.ID,
		"entity_type":    target.EntityType,
		"entity_id":      target.EntityID,
		"correlation_id": evt.Correlation(),
	})

	// Idempotency gate: a ledger row for this (rule, entity, occurrence)
	// means the outcome is already durable. No collaborator call, no new row.
	known, err := x.ledgerRowExists(ctx, rule.ID, target)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("ledger lookup: %w", err)
	}
	if known {
		log.Info("automation: execution already recorded, skipping")
		x.recorder.IncSkipped()
		return nil
	}

	actions := []Action{}
	if rule.Actions != "" {
		if err := json.Unmarshal([]byte(rule.Actions), &actions); err != nil {
			log.Warnf("automation: invalid actions for rule %d: %v", rule.ID, err)
			return nil
		}
	}

	status := models.ExecutionSuccess
	var dealID *uint
	var primaryFailed bool

	for _, act := range actions {
		switch act.Type {
		case ActionCreateDeal:
			outcome, created := x.executeCreateDeal(ctx, rule, evt, target, act, log)
			if created != nil {
				dealID = created
			}
			// A rule may carry several primary actions; one exhausted
			// failure taints the whole execution.
			status = foldStatus(status, outcome)
			primaryFailed = primaryFailed || outcome == models.ExecutionFailed
		case ActionMoveToStage:
			x.executeMoveToStage(ctx, rule, evt, target, act, dealID, log)
		case ActionNotifyTeam:
			x.executeNotifyTeam(ctx, rule, evt, target, act, log)
		case ActionCreateTask:
			// Placeholder until the task service exists; recorded in the
			// ledger like any other best-effort action.
			log.Infof("automation: create_task is not wired to a task service yet (rule %d)", rule.ID)
		default:
			log.Warnf("automation: unsupported action type %q on rule %d", act.Type, rule.ID)
		}
	}

	row := &models.AutomationExecution{
		RuleID:         rule.ID,
		OrganizationID: evt.OrganizationID,
		TriggerType:    evt.Type,
		Status:         status,
		EntityType:     target.EntityType,
		EntityID:       target.EntityID,
		DealID:         dealID,
		CorrelationID:  evt.Correlation(),
		EventID:        evt.ID,
		BreachDate:     target.BreachDate,
		CreatedAt:      time.Now(),
	}
	if err := x.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// A concurrent consumer won the insert race. Their row is the
			// record; ours is a skip. Raising here would only loop the
			// message through redelivery.
			log.Info("automation: concurrent execution already recorded, skipping")
			x.recorder.IncSkipped()
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("record execution: %w", err)
	}

	switch status {
	case models.ExecutionSuccess:
		x.recorder.IncProcessed()
	case models.ExecutionSkipped:
		x.recorder.IncSkipped()
	case models.ExecutionFailed:
		x.recorder.IncFailed()
	}

	// The failed outcome is durable now; hand the envelope to the DLQ for
	// manual replay instead of letting redelivery retry forever.
	if primaryFailed && x.dlq != nil {
		x.dlq.Route(ctx, evt)
	}
	return nil
}

func (x *ActionExecutor) ledgerRowExists(ctx context.Context, ruleID uint, target RuleTarget) (bool, error) {
	query := x.db.WithContext(ctx).
		Where("rule_id = ? AND entity_type = ? AND entity_id = ?", ruleID, target.EntityType, target.EntityID)
	if target.BreachDate != nil {
		query = query.Where("breach_date = ?", *target.BreachDate)
	} else {
		query = query.Where("breach_date IS NULL")
	}
	var existing models.AutomationExecution
	err := query.First(&existing).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}

// executeCreateDeal calls the collaborator's deal-creation endpoint with
// bounded retry. 201 is success, 409 means another actor already created the
// deal (skip), anything else after MaxAttempts attempts is a failure.
func (x *ActionExecutor) executeCreateDeal(ctx context.Context, rule models.AutomationRule, evt events.Event, target RuleTarget, act Action, log *logrus.Entry) (string, *uint) {
	leadID := target.EntityID
	if target.EntityType != models.EntityLead {
		leadID = uintParam(act.Params, "leadId")
	}
	if leadID == 0 {
		log.Warnf("automation: create_deal on rule %d has no lead to create from", rule.ID)
		return models.ExecutionSkipped, nil
	}

	pipelineID := uintParam(act.Params, "pipelineId")
	if pipelineID == 0 {
		pipelineID = target.PipelineID
	}
	title := stringParam(act.Params, "title")
	if title == "" {
		title = target.Title
	}
	if title == "" {
		title = fmt.Sprintf("Deal for lead %d", leadID)
	}

	meta := pipeline.CallMeta{
		OrganizationID: evt.OrganizationID,
		ActingUserID:   x.resolveActor(ctx, evt, log),
		CorrelationID:  evt.Correlation(),
	}
	req := &pipeline.CreateDealRequest{
		LeadID:     leadID,
		PipelineID: pipelineID,
		ContactID:  target.ContactID,
		Title:      title,
	}

	var lastErr error
	for attempt := 1; attempt <= x.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				log.Errorf("automation: create_deal canceled after %d attempts: %v", attempt-1, ctx.Err())
				return models.ExecutionFailed, nil
			case <-time.After(time.Duration(attempt-1) * x.cfg.RetryDelay):
			}
		}

		deal, err := x.client.CreateDeal(ctx, meta, req)
		if err == nil {
			log.Infof("automation: created deal %d for lead %d", deal.ID, leadID)
			x.recorder.IncDealsCreated()
			id := deal.ID
			return models.ExecutionSuccess, &id
		}
		if errors.Is(err, pipeline.ErrDealExists) {
			log.Infof("automation: deal already exists for lead %d, skipping", leadID)
			return models.ExecutionSkipped, nil
		}
		lastErr = err
		log.Warnf("automation: create_deal attempt %d/%d failed: %v", attempt, x.cfg.MaxAttempts, err)
	}

	log.Errorf("automation: create_deal exhausted %d attempts: %v", x.cfg.MaxAttempts, lastErr)
	return models.ExecutionFailed, nil
}

// executeMoveToStage is best-effort: failures are logged and never block the
// remaining actions or the ledger write.
func (x *ActionExecutor) executeMoveToStage(ctx context.Context, rule models.AutomationRule, evt events.Event, target RuleTarget, act Action, createdDealID *uint, log *logrus.Entry) {
	dealID := uintParam(act.Params, "dealId")
	if dealID == 0 && target.EntityType == models.EntityDeal {
		dealID = target.EntityID
	}
	if dealID == 0 && createdDealID != nil {
		dealID = *createdDealID
	}
	if dealID == 0 {
		log.Warnf("automation: move_to_stage on rule %d has no deal to move", rule.ID)
		return
	}
	stageID := uintParam(act.Params, "stageId")
	if stageID == 0 {
		log.Warnf("automation: move_to_stage on rule %d missing stageId param", rule.ID)
		return
	}

	organizationID := evt.OrganizationID
	if deal, err := x.client.GetDeal(ctx, dealID); err == nil && deal.OrganizationID != 0 {
		organizationID = deal.OrganizationID
	} else if err != nil {
		log.Warnf("automation: resolve deal %d failed, using event organization: %v", dealID, err)
	}

	reason := stringParam(act.Params, "reason")
	if reason == "" {
		reason = fmt.Sprintf("Moved automatically by rule %q", rule.Name)
	}

	meta := pipeline.CallMeta{
		OrganizationID: organizationID,
		ActingUserID:   x.resolveActor(ctx, evt, log),
		CorrelationID:  evt.Correlation(),
	}
	err := x.client.UpdateDealStage(ctx, meta, dealID, &pipeline.UpdateStageRequest{
		StageID:   stageID,
		Reason:    reason,
		AutoMoved: true,
	})
	if err != nil {
		log.Warnf("automation: move_to_stage for deal %d failed: %v", dealID, err)
		return
	}
	log.Infof("automation: moved deal %d to stage %d", dealID, stageID)
}

// executeNotifyTeam publishes a notification event for the messaging
// services; best-effort.
func (x *ActionExecutor) executeNotifyTeam(ctx context.Context, rule models.AutomationRule, evt events.Event, target RuleTarget, act Action, log *logrus.Entry) {
	message := stringParam(act.Params, "message")
	if message == "" {
		message = fmt.Sprintf("Automation rule %q fired for %s %d", rule.Name, target.EntityType, target.EntityID)
	}

	notification, err := events.New(events.TopicTeamNotification, evt.OrganizationID, events.TeamNotification{
		RuleID:     rule.ID,
		RuleName:   rule.Name,
		EntityType: target.EntityType,
		EntityID:   target.EntityID,
		Message:    message,
	})
	if err != nil {
		log.Warnf("automation: build notification failed: %v", err)
		return
	}
	notification.CorrelationID = evt.Correlation()

	if err := x.publisher.Publish(ctx, events.TopicTeamNotification, notification); err != nil {
		log.Warnf("automation: notify_team publish failed: %v", err)
	}
}

// resolveActor picks the acting-user id propagated to collaborator calls.
// Events without a user id fall back per AutomationConfig: a fixed system
// actor, or the legacy first-org-user lookup.
func (x *ActionExecutor) resolveActor(ctx context.Context, evt events.Event, log *logrus.Entry) uint {
	if evt.UserID != nil && *evt.UserID != 0 {
		return *evt.UserID
	}
	if x.cfg.ActorFallback == "system" {
		return x.cfg.SystemActorID
	}
	user, err := x.client.FirstOrgUser(ctx, evt.OrganizationID)
	if err != nil {
		log.Warnf("automation: acting-user fallback lookup failed: %v", err)
		return 0
	}
	return user.ID
}

// foldStatus combines per-action outcomes into one ledger status:
// failed > skipped > success.
func foldStatus(current, next string) string {
	if current == models.ExecutionFailed || next == models.ExecutionFailed {
		return models.ExecutionFailed
	}
	if current == models.ExecutionSkipped || next == models.ExecutionSkipped {
		return models.ExecutionSkipped
	}
	return models.ExecutionSuccess
}

func uintParam(params map[string]interface{}, key string) uint {
	if params == nil {
		return 0
	}
	switch v := params[key].(type) {
	case float64:
		if v > 0 {
			return uint(v)
		}
	case int:
		if v > 0 {
			return uint(v)
		}
	case uint:
		return v
	}
	return 0
}

func stringParam(params map[string]interface{}, key string) string {
	if params == nil {
		return ""
	}
	s, _ := params[key].(string)
	return s
}
