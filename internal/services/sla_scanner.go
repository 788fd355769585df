package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crmflow/internal/events"
	"crmflow/internal/models"
	"crmflow/pkg/pipeline"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// SLAScanner periodically finds entities that overstayed a rule-configured
// pipeline stage and synthesizes breach events back onto the broker. Breach
// events flow through the exact same dispatcher/executor path as
// upstream-originated events, and the ledger's per-day uniqueness makes
// concurrent or repeated scans safe.
type SLAScanner struct {
	db        *gorm.DB
	client    pipeline.API
	publisher events.Publisher
	interval  time.Duration
	logger    *logrus.Logger
	tracer    trace.Tracer
}

func NewSLAScanner(db *gorm.DB, client pipeline.API, publisher events.Publisher, interval time.Duration, logger *logrus.Logger) *SLAScanner {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &SLAScanner{
		db:        db,
		client:    client,
		publisher: publisher,
		interval:  interval,
		logger:    logger,
		tracer:    otel.Tracer("crmflow.sla"),
	}
}

// ScanScope optionally narrows a pass to one organization and/or one entity.
type ScanScope struct {
	OrganizationID uint `json:"organization_id"`
	EntityID       uint `json:"entity_id"`
}

// ScanReport summarizes one pass.
type ScanReport struct {
	RulesScanned    int `json:"rules_scanned"`
	EntitiesFound   int `json:"entities_found"`
	EventsPublished int `json:"events_published"`
}

// Start runs scan passes on a fixed schedule until ctx is canceled.
func (s *SLAScanner) Start(ctx context.Context) {
	s.logger.Infof("Starting SLA scanner (interval %s)", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SLA scanner stopped")
			return
		case <-ticker.C:
			if report, err := s.RunOnce(ctx, ScanScope{}); err != nil {
				s.logger.Errorf("SLA scan error: %v", err)
			} else {
				s.logger.Infof("SLA scan completed: rules=%d entities=%d published=%d",
					report.RulesScanned, report.EntitiesFound, report.EventsPublished)
			}
		}
	}
}

// RunOnce performs one synchronous scan pass over every active SLA rule.
// It is idempotent: repeated passes within one calendar day produce events
// that dedup against the ledger's breach-date uniqueness.
func (s *SLAScanner) RunOnce(ctx context.Context, scope ScanScope) (*ScanReport, error) {
	ctx, span := s.tracer.Start(ctx, "sla.scan")
	defer span.End()

	query := s.db.WithContext(ctx).
		Where("trigger_type IN ? AND active = ?", []string{models.TriggerLeadSLABreach, models.TriggerDealSLABreach}, true)
	if scope.OrganizationID != 0 {
		query = query.Where("organization_id = ?", scope.OrganizationID)
	}
	var rules []models.AutomationRule
	if err := query.Find(&rules).Error; err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load SLA rules: %w", err)
	}

	report := &ScanReport{}
	now := time.Now().UTC()
	for i := range rules {
		s.scanRule(ctx, rules[i], scope, now, report)
	}

	span.SetAttributes(
		attribute.Int("sla.scan.rules", report.RulesScanned),
		attribute.Int("sla.scan.entities", report.EntitiesFound),
		attribute.Int("sla.scan.published", report.EventsPublished),
	)
	return report, nil
}

// scanRule queries one rule's stale entities and publishes a breach event
// per entity. Query or publish failures are logged and the pass moves on;
// the next tick covers whatever was missed.
func (s *SLAScanner) scanRule(ctx context.Context, rule models.AutomationRule, scope ScanScope, now time.Time, report *ScanReport) {
	var tc slaTriggerConditions
	if err := json.Unmarshal([]byte(rule.TriggerConditions), &tc); err != nil {
		s.logger.Warnf("sla: rule %d has invalid trigger conditions: %v", rule.ID, err)
		return
	}
	if tc.PipelineID == 0 || tc.StageID == 0 || tc.MaxDays <= 0 {
		s.logger.Warnf("sla: rule %d missing pipelineId/stageId/maxDays, skipping", rule.ID)
		return
	}
	report.RulesScanned++

	cutoff := now.Add(-time.Duration(tc.MaxDays) * 24 * time.Hour)
	stale := pipeline.StaleQuery{
		OrganizationID: rule.OrganizationID,
		PipelineID:     tc.PipelineID,
		StageID:        tc.StageID,
		UpdatedBefore:  cutoff,
	}
	breachDate := now.Format("2006-01-02")

	switch rule.TriggerType {
	case models.TriggerLeadSLABreach:
		leads, err := s.client.ListStaleLeads(ctx, stale)
		if err != nil {
			s.logger.Errorf("sla: rule %d lead query failed: %v", rule.ID, err)
			return
		}
		for _, lead := range leads {
			if scope.EntityID != 0 && lead.ID != scope.EntityID {
				continue
			}
			report.EntitiesFound++
			payload := events.LeadSLABreach{
				LeadID:      lead.ID,
				PipelineID:  tc.PipelineID,
				StageID:     tc.StageID,
				DaysInStage: daysSince(lead.UpdatedAt, now),
				BreachDate:  breachDate,
			}
			if s.publishBreach(ctx, events.TopicLeadSLABreach, rule.OrganizationID, payload) {
				report.EventsPublished++
			}
		}
	case models.TriggerDealSLABreach:
		deals, err := s.client.ListStaleDeals(ctx, stale)
		if err != nil {
			s.logger.Errorf("sla: rule %d deal query failed: %v", rule.ID, err)
			return
		}
		for _, deal := range deals {
			if scope.EntityID != 0 && deal.ID != scope.EntityID {
				continue
			}
			report.EntitiesFound++
			payload := events.DealSLABreach{
				DealID:      deal.ID,
				PipelineID:  tc.PipelineID,
				StageID:     tc.StageID,
				DaysInStage: daysSince(deal.UpdatedAt, now),
				BreachDate:  breachDate,
			}
			if s.publishBreach(ctx, events.TopicDealSLABreach, rule.OrganizationID, payload) {
				report.EventsPublished++
			}
		}
	}
}

func (s *SLAScanner) publishBreach(ctx context.Context, topic string, organizationID uint, payload any) bool {
	evt, err := events.New(topic, organizationID, payload)
	if err != nil {
		s.logger.Errorf("sla: build breach event failed: %v", err)
		return false
	}
	if err := s.publisher.Publish(ctx, topic, evt); err != nil {
		s.logger.Errorf("sla: publish breach event failed: %v", err)
		return false
	}
	return true
}

func daysSince(since, now time.Time) int {
	if since.IsZero() || since.After(now) {
		return 0
	}
	return int(now.Sub(since).Hours() / 24)
}
