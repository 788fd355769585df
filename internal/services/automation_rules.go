package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crmflow/internal/models"

	"gorm.io/gorm"
)

// AutomationRuleRequest 创建/更新规则的请求
type AutomationRuleRequest struct {
	OrganizationID    uint                   `json:"organization_id" binding:"required"`
	Name              string                 `json:"name" binding:"required"`
	TriggerType       string                 `json:"trigger_type" binding:"required"`
	TriggerConditions map[string]interface{} `json:"trigger_conditions"`
	Conditions        []Condition            `json:"conditions"`
	Actions           []Action               `json:"actions"`
	Active            *bool                  `json:"active"`
}

// ListRules 返回组织的全部规则
func (s *AutomationService) ListRules(ctx context.Context, organizationID uint) ([]models.AutomationRule, error) {
	query := s.db.WithContext(ctx).Order("id DESC")
	if organizationID != 0 {
		query = query.Where("organization_id = ?", organizationID)
	}
	var rules []models.AutomationRule
	if err := query.Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

// GetRule 获取单条规则
func (s *AutomationService) GetRule(ctx context.Context, id uint) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	if err := s.db.WithContext(ctx).First(&rule, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("rule not found")
		}
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return &rule, nil
}

// CreateRule 新建规则
func (s *AutomationService) CreateRule(ctx context.Context, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	if req == nil {
		return nil, fmt.Errorf("request required")
	}
	if !isSupportedTrigger(req.TriggerType) {
		return nil, fmt.Errorf("unsupported trigger type: %s", req.TriggerType)
	}
	for _, act := range req.Actions {
		if !isSupportedAction(act.Type) {
			return nil, fmt.Errorf("unsupported action type: %s", act.Type)
		}
	}

	trigJSON, err := json.Marshal(req.TriggerConditions)
	if err != nil {
		return nil, fmt.Errorf("invalid trigger conditions: %w", err)
	}
	condJSON, err := json.Marshal(req.Conditions)
	if err != nil {
		return nil, fmt.Errorf("invalid conditions: %w", err)
	}
	actJSON, err := json.Marshal(req.Actions)
	if err != nil {
		return nil, fmt.Errorf("invalid actions: %w", err)
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	rule := &models.AutomationRule{
		OrganizationID:    req.OrganizationID,
		Name:              req.Name,
		TriggerType:       req.TriggerType,
		TriggerConditions: string(trigJSON),
		Conditions:        string(condJSON),
		Actions:           string(actJSON),
		Active:            active,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}

	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}
	return rule, nil
}

// UpdateRule 更新规则（整体替换条件/动作）
func (s *AutomationService) UpdateRule(ctx context.Context, id uint, req *AutomationRuleRequest) (*models.AutomationRule, error) {
	rule, err := s.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.TriggerType != "" {
		if !isSupportedTrigger(req.TriggerType) {
			return nil, fmt.Errorf("unsupported trigger type: %s", req.TriggerType)
		}
		rule.TriggerType = req.TriggerType
	}
	if req.Name != "" {
		rule.Name = req.Name
	}
	if req.TriggerConditions != nil {
		trigJSON, err := json.Marshal(req.TriggerConditions)
		if err != nil {
			return nil, fmt.Errorf("invalid trigger conditions: %w", err)
		}
		rule.TriggerConditions = string(trigJSON)
	}
	if req.Conditions != nil {
		condJSON, err := json.Marshal(req.Conditions)
		if err != nil {
			return nil, fmt.Errorf("invalid conditions: %w", err)
		}
		rule.Conditions = string(condJSON)
	}
	if req.Actions != nil {
		for _, act := range req.Actions {
			if !isSupportedAction(act.Type) {
				return nil, fmt.Errorf("unsupported action type: %s", act.Type)
			}
		}
		actJSON, err := json.Marshal(req.Actions)
		if err != nil {
			return nil, fmt.Errorf("invalid actions: %w", err)
		}
		rule.Actions = string(actJSON)
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}
	rule.UpdatedAt = time.Now()

	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	return rule, nil
}

// DeleteRule 删除规则
func (s *AutomationService) DeleteRule(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&models.AutomationRule{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("rule not found")
	}
	return nil
}

// ListExecutions 返回一条规则的执行台账（审计用，只读）
func (s *AutomationService) ListExecutions(ctx context.Context, ruleID uint, limit int) ([]models.AutomationExecution, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var execs []models.AutomationExecution
	if err := s.db.WithContext(ctx).
		Where("rule_id = ?", ruleID).
		Order("id DESC").
		Limit(limit).
		Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return execs, nil
}

func isSupportedTrigger(trigger string) bool {
	switch trigger {
	case models.TriggerLeadStageChanged, models.TriggerDealStageChanged,
		models.TriggerContactCreated, models.TriggerMessageReceived,
		models.TriggerLeadSLABreach, models.TriggerDealSLABreach,
		models.TriggerGeneric:
		return true
	default:
		return false
	}
}

func isSupportedAction(action string) bool {
	switch action {
	case ActionCreateDeal, ActionMoveToStage, ActionNotifyTeam, ActionCreateTask:
		return true
	default:
		return false
	}
}
