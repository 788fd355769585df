package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"crmflow/internal/events"
	"crmflow/internal/metrics"
	"crmflow/internal/models"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// AutomationService matches incoming events against org-configured rules and
// drives the action executor once per matching rule. It also carries the
// admin CRUD surface for rules.
type AutomationService struct {
	db       *gorm.DB
	executor *ActionExecutor
	recorder metrics.Recorder
	logger   *logrus.Logger
	tracer   trace.Tracer
}

func NewAutomationService(db *gorm.DB, executor *ActionExecutor, recorder metrics.Recorder, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationService{
		db:       db,
		executor: executor,
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("crmflow.automation"),
	}
}

// Condition is one generic field/op/value check. All conditions on a rule
// must hold (logical AND) for the rule to fire.
type Condition struct {
	Field string      `json:"field"`
	Op    string      `json:"op"` // eq, ne, gt, lt, contains
	Value interface{} `json:"value"`
}

// Action describes one action to execute when a rule matches.
type Action struct {
	Type   string                 `json:"type"` // create_deal, move_to_stage, notify_team, create_task
	Params map[string]interface{} `json:"params"`
}

// stageTriggerConditions are the structured match fields for stage-change
// rules.
type stageTriggerConditions struct {
	PipelineID uint `json:"pipelineId"`
	ToStageID  uint `json:"toStageId"`
}

// slaTriggerConditions are the structured match fields for SLA rules.
type slaTriggerConditions struct {
	PipelineID uint `json:"pipelineId"`
	StageID    uint `json:"stageId"`
	MaxDays    int  `json:"maxDays"`
}

// HandleEvent is called once per delivered message. Business outcomes
// (no match, skip, action failure) never surface as errors; only
// infrastructure failures do, so the broker client can requeue.
func (s *AutomationService) HandleEvent(ctx context.Context, evt events.Event) error {
	ctx, span := s.tracer.Start(ctx, "automation.handle_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", evt.ID),
		attribute.String("event.type", evt.Type),
		attribute.String("event.correlation_id", evt.Correlation()),
	)

	s.recorder.IncReceived(evt.Type)

	log := s.logger.WithFields(logrus.Fields{
		"event_id":       evt.ID,
		"event_type":     evt.Type,
		"correlation_id": evt.Correlation(),
	})

	if evt.OrganizationID == 0 {
		log.Warn("automation: event missing organization id, dropping")
		return nil
	}

	var rules []models.AutomationRule
	if err := s.db.WithContext(ctx).
		Where("organization_id = ? AND trigger_type = ? AND active = ?", evt.OrganizationID, evt.Type, true).
		Order("id ASC").
		Find(&rules).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("load rules for %s/%s: %w", evt.Type, evt.Correlation(), err)
	}
	if len(rules) == 0 {
		return nil
	}

	target, ok := s.resolveTarget(evt, log)
	if !ok {
		// Malformed events cannot be fixed by retrying; dropped and acked.
		return nil
	}

	// Rules run independently and sequentially. A business failure inside
	// one rule is recorded by the executor; only infra errors accumulate.
	var infraErrs []error
	for i := range rules {
		rule := rules[i]
		matched, err := s.matchRule(rule, evt, target)
		if err != nil {
			log.Warnf("automation: rule %d (%s) has invalid conditions: %v", rule.ID, rule.Name, err)
			continue
		}
		if !matched {
			continue
		}
		log.Infof("automation: rule %d (%s) matched", rule.ID, rule.Name)
		if err := s.executor.ExecuteRule(ctx, rule, evt, target); err != nil {
			log.Errorf("automation: rule %d execution hit infrastructure error: %v", rule.ID, err)
			infraErrs = append(infraErrs, err)
		}
	}
	return errors.Join(infraErrs...)
}

// resolveTarget decodes the typed payload for the trigger and applies the
// required-field guard. Returning ok=false means the event is malformed and
// must be dropped, not retried.
func (s *AutomationService) resolveTarget(evt events.Event, log *logrus.Entry) (RuleTarget, bool) {
	switch evt.Type {
	case models.TriggerLeadStageChanged:
		var p events.LeadStageChanged
		if err := evt.Decode(&p); err != nil {
			log.Warnf("automation: undecodable payload: %v", err)
			return RuleTarget{}, false
		}
		if p.LeadID == 0 || p.PipelineID == 0 || p.ToStageID == 0 {
			log.Warnf("automation: lead stage event missing required fields (lead=%d pipeline=%d toStage=%d)", p.LeadID, p.PipelineID, p.ToStageID)
			return RuleTarget{}, false
		}
		return RuleTarget{
			EntityType: models.EntityLead,
			EntityID:   p.LeadID,
			PipelineID: p.PipelineID,
			ToStageID:  p.ToStageID,
			ContactID:  p.ContactID,
			Title:      p.Title,
		}, true
	case models.TriggerDealStageChanged:
		var p events.DealStageChanged
		if err := evt.Decode(&p); err != nil {
			log.Warnf("automation: undecodable payload: %v", err)
			return RuleTarget{}, false
		}
		if p.DealID == 0 || p.PipelineID == 0 || p.ToStageID == 0 {
			log.Warnf("automation: deal stage event missing required fields (deal=%d pipeline=%d toStage=%d)", p.DealID, p.PipelineID, p.ToStageID)
			return RuleTarget{}, false
		}
		return RuleTarget{
			EntityType: models.EntityDeal,
			EntityID:   p.DealID,
			PipelineID: p.PipelineID,
			ToStageID:  p.ToStageID,
		}, true
	case models.TriggerLeadSLABreach:
		var p events.LeadSLABreach
		if err := evt.Decode(&p); err != nil {
			log.Warnf("automation: undecodable payload: %v", err)
			return RuleTarget{}, false
		}
		breach, err := parseBreachDate(p.BreachDate)
		if err != nil || p.LeadID == 0 || p.PipelineID == 0 || p.StageID == 0 {
			log.Warnf("automation: lead SLA event missing required fields (lead=%d pipeline=%d stage=%d breachDate=%q)", p.LeadID, p.PipelineID, p.StageID, p.BreachDate)
			return RuleTarget{}, false
		}
		return RuleTarget{
			EntityType:  models.EntityLead,
			EntityID:    p.LeadID,
			PipelineID:  p.PipelineID,
			StageID:     p.StageID,
			DaysInStage: p.DaysInStage,
			BreachDate:  &breach,
		}, true
	case models.TriggerDealSLABreach:
		var p events.DealSLABreach
		if err := evt.Decode(&p); err != nil {
			log.Warnf("automation: undecodable payload: %v", err)
			return RuleTarget{}, false
		}
		breach, err := parseBreachDate(p.BreachDate)
		if err != nil || p.DealID == 0 || p.PipelineID == 0 || p.StageID == 0 {
			log.Warnf("automation: deal SLA event missing required fields (deal=%d pipeline=%d stage=%d breachDate=%q)", p.DealID, p.PipelineID, p.StageID, p.BreachDate)
			return RuleTarget{}, false
		}
		return RuleTarget{
			EntityType:  models.EntityDeal,
			EntityID:    p.DealID,
			PipelineID:  p.PipelineID,
			StageID:     p.StageID,
			DaysInStage: p.DaysInStage,
			BreachDate:  &breach,
		}, true
	default:
		// Generic triggers still need an entity to key the ledger on.
		data := evt.DataMap()
		entityID := firstUintField(data, "entityId", "contactId", "leadId", "dealId")
		if entityID == 0 {
			log.Warn("automation: generic event carries no entity id, dropping")
			return RuleTarget{}, false
		}
		return RuleTarget{
			EntityType: models.EntityGeneric,
			EntityID:   entityID,
		}, true
	}
}

// matchRule applies the structured exact match for stage-change/SLA triggers
// and the generic AND condition list otherwise.
func (s *AutomationService) matchRule(rule models.AutomationRule, evt events.Event, target RuleTarget) (bool, error) {
	switch evt.Type {
	case models.TriggerLeadStageChanged, models.TriggerDealStageChanged:
		var tc stageTriggerConditions
		if err := json.Unmarshal([]byte(rule.TriggerConditions), &tc); err != nil {
			return false, fmt.Errorf("trigger conditions: %w", err)
		}
		return tc.PipelineID == target.PipelineID && tc.ToStageID == target.ToStageID, nil
	case models.TriggerLeadSLABreach, models.TriggerDealSLABreach:
		var tc slaTriggerConditions
		if err := json.Unmarshal([]byte(rule.TriggerConditions), &tc); err != nil {
			return false, fmt.Errorf("trigger conditions: %w", err)
		}
		if tc.PipelineID != target.PipelineID || tc.StageID != target.StageID {
			return false, nil
		}
		// The scanner reports computed days-in-stage; the rule fires once
		// the entity has sat at least maxDays.
		return target.DaysInStage >= tc.MaxDays, nil
	default:
		conds := []Condition{}
		if rule.Conditions != "" {
			if err := json.Unmarshal([]byte(rule.Conditions), &conds); err != nil {
				return false, fmt.Errorf("conditions: %w", err)
			}
		}
		data := evt.DataMap()
		for _, cond := range conds {
			if !evaluateCondition(cond, data) {
				return false, nil
			}
		}
		return true, nil
	}
}

func evaluateCondition(cond Condition, attrs map[string]interface{}) bool {
	val, ok := attrs[cond.Field]
	if !ok {
		return false
	}
	actual := fmt.Sprintf("%v", val)
	expected := fmt.Sprintf("%v", cond.Value)

	switch cond.Op {
	case "eq":
		return actual == expected
	case "ne":
		return actual != expected
	case "gt":
		return compareValues(actual, expected) > 0
	case "lt":
		return compareValues(actual, expected) < 0
	case "contains":
		return strings.Contains(actual, expected)
	default:
		return false
	}
}

// compareValues compares numerically when both sides parse as numbers,
// lexicographically otherwise.
func compareValues(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

func parseBreachDate(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", s, time.UTC)
}

func firstUintField(data map[string]interface{}, keys ...string) uint {
	for _, key := range keys {
		if v, ok := data[key]; ok {
			if f, ok := v.(float64); ok && f > 0 {
				return uint(f)
			}
		}
	}
	return 0
}
