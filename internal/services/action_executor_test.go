package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"crmflow/internal/config"
	"crmflow/internal/events"
	"crmflow/internal/metrics"
	"crmflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"crmflow/pkg/pipeline"
)

// newEngineTestDB 打开内存库并迁移规则与台账表。
// TranslateError 必须开启：幂等判定依赖 gorm.ErrDuplicatedKey。
func newEngineTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:engine_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.AutomationRule{}, &models.AutomationExecution{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

// fakePipeline is an in-memory pipeline.API double.
type fakePipeline struct {
	mu sync.Mutex

	createCalls   int
	failCreates   int  // fail this many CreateDeal calls before succeeding
	conflictAll   bool // every CreateDeal answers 409
	nextDealID    uint
	createdDeals  []pipeline.CreateDealRequest
	lastMeta      pipeline.CallMeta
	stageMoves    []uint // deal ids moved
	moveErr       error
	staleLeads    []pipeline.Lead
	staleDeals    []pipeline.Deal
	staleErr      error
	orgUser       *pipeline.OrgUser
	orgUserCalls  int
	dealsByID     map[uint]*pipeline.Deal
	healthErr     error
	staleLastSeen pipeline.StaleQuery
}

func (f *fakePipeline) CreateDeal(ctx context.Context, meta pipeline.CallMeta, req *pipeline.CreateDealRequest) (*pipeline.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.lastMeta = meta
	if f.conflictAll {
		return nil, pipeline.ErrDealExists
	}
	if f.failCreates > 0 {
		f.failCreates--
		return nil, fmt.Errorf("pipeline API error [502]: upstream down")
	}
	f.createdDeals = append(f.createdDeals, *req)
	if f.nextDealID == 0 {
		f.nextDealID = 100
	}
	id := f.nextDealID
	f.nextDealID++
	return &pipeline.Deal{
		ID:             id,
		OrganizationID: meta.OrganizationID,
		LeadID:         req.LeadID,
		PipelineID:     req.PipelineID,
		Title:          req.Title,
	}, nil
}

func (f *fakePipeline) UpdateDealStage(ctx context.Context, meta pipeline.CallMeta, dealID uint, req *pipeline.UpdateStageRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moveErr != nil {
		return f.moveErr
	}
	f.lastMeta = meta
	f.stageMoves = append(f.stageMoves, dealID)
	return nil
}

func (f *fakePipeline) GetDeal(ctx context.Context, dealID uint) (*pipeline.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.dealsByID[dealID]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("deal %d not found", dealID)
}

func (f *fakePipeline) ListStaleLeads(ctx context.Context, q pipeline.StaleQuery) ([]pipeline.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleLastSeen = q
	if f.staleErr != nil {
		return nil, f.staleErr
	}
	return f.staleLeads, nil
}

func (f *fakePipeline) ListStaleDeals(ctx context.Context, q pipeline.StaleQuery) ([]pipeline.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleLastSeen = q
	if f.staleErr != nil {
		return nil, f.staleErr
	}
	return f.staleDeals, nil
}

func (f *fakePipeline) FirstOrgUser(ctx context.Context, organizationID uint) (*pipeline.OrgUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orgUserCalls++
	if f.orgUser == nil {
		return nil, fmt.Errorf("organization %d has no users", organizationID)
	}
	return f.orgUser, nil
}

func (f *fakePipeline) HealthCheck(ctx context.Context) error { return f.healthErr }

func (f *fakePipeline) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

// capturePublisher records published envelopes per topic.
type capturePublisher struct {
	mu        sync.Mutex
	published map[string][]events.Event
	err       error
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{published: make(map[string][]events.Event)}
}

func (p *capturePublisher) Publish(ctx context.Context, topic string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if evt, ok := event.(events.Event); ok {
		p.published[topic] = append(p.published[topic], evt)
	}
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) topic(topic string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.published[topic]...)
}

func testAutomationConfig() config.AutomationConfig {
	return config.AutomationConfig{
		MaxAttempts:   3,
		RetryDelay:    time.Millisecond,
		ActorFallback: "first-org-user",
	}
}

func newTestExecutor(t *testing.T, db *gorm.DB, client pipeline.API, pub events.Publisher) (*ActionExecutor, *metrics.Counters) {
	t.Helper()
	recorder := metrics.NewCounters()
	dlq := NewDeadLetterRouter(pub, recorder, logrus.New())
	x := NewActionExecutor(db, client, pub, dlq, recorder, testAutomationConfig(), logrus.New())
	return x, recorder
}

func stageRule(t *testing.T, db *gorm.DB, org uint, actions string) models.AutomationRule {
	t.Helper()
	rule := models.AutomationRule{
		OrganizationID:    org,
		Name:              "Qualified lead to deal",
		TriggerType:       models.TriggerLeadStageChanged,
		TriggerConditions: `{"pipelineId":1,"toStageId":3}`,
		Actions:           actions,
		Active:            true,
	}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return rule
}

func leadEvent(t *testing.T, org, lead uint) events.Event {
	t.Helper()
	evt, err := events.New(events.TopicLeadStageChanged, org, events.LeadStageChanged{
		LeadID:     lead,
		ContactID:  9,
		PipelineID: 1,
		ToStageID:  3,
		Title:      "Acme lead",
	})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return evt
}

func leadTarget(lead uint) RuleTarget {
	return RuleTarget{
		EntityType: models.EntityLead,
		EntityID:   lead,
		PipelineID: 1,
		ToStageID:  3,
		ContactID:  9,
		Title:      "Acme lead",
	}
}

func TestExecuteRule_CreateDealSuccess(t *testing.T) {
	db := newEngineTestDB(t)
	client := &fakePipeline{orgUser: &pipeline.OrgUser{ID: 5}}
	pub := newCapturePublisher()
	x, _ := newTestExecutor(t, db, client, pub)

	rule := stageRule(t, db, 7, `[{"type":"create_deal","params":{}}]`)
	evt := leadEvent(t, 7, 42)

	if err := x.ExecuteRule(context.Background(), rule, evt, leadTarget(42)); err != nil {
		t.Fatalf("ExecuteRule failed: %v", err)
	}

	var row models.AutomationExecution
	if err := db.First(&row).Error; err != nil {
		t.Fatalf("expected ledger row: %v", err)
	}
	if row.Status != models.ExecutionSuccess {
		t.Errorf("status = %q, want success", row.Status)
	}
	if row.DealID == nil || *row.DealID != 100 {
		t.Errorf("deal id = %v, want 100", row.DealID)
	}
	if row.EntityType != models.EntityLead || row.EntityID != 42 {
		t.Errorf("entity = %s/%d", row.EntityType, row.EntityID)
	}
	if row.CorrelationID != evt.ID {
		t.Errorf("correlation = %q, want event id fallback %q", row.CorrelationID, evt.ID)
	}
	if row.BreachDate != nil {
		t.Errorf("stage-change row must have NULL breach date")
	}

	// acting-user fallback consulted the collaborator
	if client.lastMeta.ActingUserID != 5 {
		t.Errorf("acting user = %d, want first org user 5", client.lastMeta.ActingUserID)
	}
}

// 重复投递：台账已有记录则跳过，不再调用协作方
func TestExecuteRule_RedeliverySkips(t *testing.T) {
	db := newEngineTestDB(t)
	client := &fakePipeline{orgUser: &pipeline.OrgUser{ID: 5}}
	pub := newCapturePublisher()
	x, recorder := newTestExecutor(t, db, client, pub)

	rule := stageRule(t, db, 7, `[{"type":"create_deal","params":{}}]`)
	evt := leadEvent(t, 7, 42)
	target := leadTarget(42)

	if err := x.ExecuteRule(context.Background(), rule, evt, target); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	callsAfterFirst := client.calls()

	if err := x.ExecuteRule(context.Background(), rule, evt, target); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if client.calls() != callsAfterFirst {
		t.Errorf("redelivery reached the collaborator: %d calls", client.calls())
	}

	var count int64
	db.Model(&models.AutomationExecution{}).Count(&count)
	if count != 1 {
		t.Errorf("expected exactly 1 ledger row, got %d", count)
	}
	if s := recorder.Snapshot(); s.Skipped != 1 {
		t.Errorf("expected 1 skip counted, got %d", s.Skipped)
	}
}

func TestExecuteRule_ConflictRecordedAsSkipped(t *testing.T) {
	db := newEngineTestDB(t)
	client := &fakePipeline{conflictAll: true, orgUser: &pipeline.OrgUser{ID: 5}}
	pub := newCapturePublisher()
	x, _ := newTestExecutor(t, db, client, pub)

	rule := stageRule(t, db, 7, `[{"type":"create_deal","params":{}}]`)
	evt := leadEvent(t, 7, 42)

	if err := x.ExecuteRule(context.Background(), rule, evt, leadTarget(42)); err != nil {
		t.Fatalf("ExecuteRule failed: %v", err)
	}

	var row models.AutomationExecution
	if err := db.First(&row).Error; err != nil {
		t.Fatalf("expected ledger row: %v", err)
	}
	if row.Status != models.ExecutionSkipped {
		t.Errorf("status = %q, want skipped", row.Status)
	}
	// 409 不重试
	if client.calls() != 1 {
		t.Errorf("conflict retried: %d calls", client.calls())
	}
	// skip 不进入死信
	if got := pub.topic(events.DeadLetterTopic(evt.Type)); len(got) != 0 {
		t.Errorf("skip was dead-lettered: %v", got)
	}
}

// 重试边界：MaxAttempts 次尝试后记失败并路由死信
func TestExecuteRule_RetryExhaustionFailsAndDeadLetters(t *testing.T) {
	db := newEngineTestDB(t)
	client := &fakePipeline{failCreates: 99, orgUser: &pipeline.OrgUser{ID: 5}}
	pub := newCapturePublisher()
	x, recorder := newTestExecutor(t, db, client, pub)

	rule := stageRule(t, db, 7, `[{"type":"create_deal","params":{}}]`)
	evt := leadEvent(t, 7, 42)

	if err := x.ExecuteRule(context.Background(), rule, evt, leadTarget(42)); err != nil {
		t.Fatalf("ExecuteRule failed: %v", err)
	}

	if client.calls() != 3 {
		t.Errorf("attempts = %d, want exactly MaxAttempts=3", client.calls())
	}
	var row models.AutomationExecution
	if err := db.First(&row).Error; err != nil {
		t.Fatalf("expected ledger row: %v", err)
	}
	if row.Status != models.ExecutionFailed {
		t.Errorf("status = %q, want failed", row.Status)
	}

	dlq := pub.topic(events.DeadLetterTopic(evt.Type))
	if len(dlq) != 1 {
		t.Fatalf("expected 1 dead-lettered envelope, got %d", len(dlq))
	}
	// 死信携带原始信封，未经改写
	if dlq[0].ID != evt.ID || string(dlq[0].Data) != string(evt.Data) {
		t.Errorf("dead letter envelope mutated: %+v", dlq[0])
	}
	if s := recorder.Snapshot(); s.Failed != 1 || s.DeadLetteredBy[evt.Type] != 1 {
		t.Errorf("counters: %+v", s)
	}
}

// 同一规则多个 create_deal：前面耗尽的失败不能被后面的成功掩盖
func TestExecuteRule_EarlierFailureTaintsStatus(t *testing.T) {
	db := newEngineTestDB(t)
	client := &fakePipeline{failCreates: 3, orgUser: &pipeline.OrgUser{ID: 5}}
	pub := newCapturePublisher()
	x, _ := newTestExecutor(t, db, client, pub)

	rule := stageRule(t, db, 7, `[{"type":"create_deal","params":{}},{"type":"create_deal","params":{}}]`)
	evt := leadEvent(t, 7, 42)

	if err := x.ExecuteRule(context.Background(), rule, evt, leadTarget(42)); err != nil {
		t.Fatalf("ExecuteRule failed: %v", err)
	}

	// 第一个动作耗尽三次重试，第二个动作首次即成功
	if client.calls() != 4 {
		t.Errorf("attempts = %d, want 3 exhausted + 1 success", client.calls())
	}
	var row models.AutomationExecution
	if err := db.First(&row).Error; err != nil {
		t.Fatalf("expected ledger row: %v", err)
	}
	if row.Status != models.ExecutionFailed {
		t.Errorf("status = %q, want failed despite later success", row.Status)
	}
	if got := len(pub.topic(events.DeadLetterTopic(evt.Type))); got != 1 {
		t.Errorf("expected dead-letter routing, got %d envelopes", got)
	}
}

func TestFoldStatus(t *testing.T) {
	if got := foldStatus(models.ExecutionFailed, models.ExecutionSuccess); got != models.ExecutionFailed {
		t.Errorf("failed then success = %q", got)
	}
	if got := foldStatus(models.ExecutionSuccess, models.ExecutionSkipped); got != models.ExecutionSkipped {
		t.Errorf("success then skipped = %q", got)
	}
	if got := foldStatus(models.ExecutionSkipped, models.ExecutionFailed); got != models.ExecutionFailed {
		t.Errorf("skipped then failed = %q", got)
	}
	if got := foldStatus(models.ExecutionSuccess, models.ExecutionSuccess); got != models.ExecutionSuccess {
		t.Errorf("success then success = %q", got)
	}
}

// 瞬时故障：失败一次后下一次尝试成功
func TestExecuteRule_RetryRecovers(t *testing.T) {
	db := newEngineTestDB(t)
	client := &fakePipeline{failCreates: 1, orgUser: &pipeline.OrgUser{ID: 5}}
	pub := newCapturePublisher()
	x, _ := newTestExecutor(t, db, client, pub)

	rule := stageRule(t, db, 7, `[{"type":"create_deal","params":{}}]`)
	evt := leadEvent(t, 7, 42)

	if err := x.ExecuteRule(context.Background(), rule, evt, leadTarget(42)); err != nil {
		t.Fatalf("ExecuteRule failed: %v", err)
	}
	if client.calls() != 2 {
		t.Errorf("attempts = %d, want 2", client.calls())
	}
	var row models.AutomationExecution
	db.First(&row)
	if row.Status != models.ExecutionSuccess {
		t.Errorf("status = %q, want success", row.Status)
	}
}

// 部分唯一索引承载全部幂等保证：同键重复插入归一为 ErrDuplicatedKey
func TestLedger_PartialUniqueIndexes(t *testing.T) {
	db := newEngineTestDB(t)

	stageRow := func() *models.AutomationExecution {
		return &models.AutomationExecution{
			RuleID:         1,
			OrganizationID: 7,
			TriggerType:    models.TriggerLeadStageChanged,
			Status:         models.ExecutionSuccess,
			EntityType:     models.EntityLead,
			EntityID:       42,
		}
	}
	if err := db.Create(stageRow()).Error; err != nil {
		t.Fatalf("first stage row: %v", err)
	}
	err := db.Create(stageRow()).Error
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("duplicate stage row: want ErrDuplicatedKey, got %v", err)
	}

	day1 := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	breachRow := func(day time.Time) *models.AutomationExecution {
		return &models.AutomationExecution{
			RuleID:         1,
			OrganizationID: 7,
			TriggerType:    models.TriggerLeadSLABreach,
			Status:         models.ExecutionSuccess,
			EntityType:     models.EntityLead,
			EntityID:       42,
			BreachDate:     &day,
		}
	}
	// 同一 (rule, entity) 的 SLA 行与阶段行互不冲突
	if err := db.Create(breachRow(day1)).Error; err != nil {
		t.Fatalf("first breach row: %v", err)
	}
	err = db.Create(breachRow(day1)).Error
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("same-day breach row: want ErrDuplicatedKey, got %v", err)
	}
	if err := db.Create(breachRow(day2)).Error; err != nil {
		t.Fatalf("next-day breach row should insert: %v", err)
	}
}

// 插入竞争中输掉的消费者按 skip 处理，不返回错误
func TestExecuteRule_LostInsertRaceSkips(t *testing.T) {
	db := newEngineTestDB(t)
	client := &fakePipeline{}
	pub := newCapturePublisher()
	x, recorder := newTestExecutor(t, db, client, pub)

	rule := stageRule(t, db, 7, `[{"type":"notify_team","params":{}}]`)
	evt := leadEvent(t, 7, 42)
	target := leadTarget(42)

	// 第一次执行写入台账
	if err := x.ExecuteRule(context.Background(), rule, evt, target); err != nil {
		t.Fatalf("first execution: %v", err)
	}
	// 直接对台账做一次会撞唯一索引的插入，确认错误形态
	dup := &models.AutomationExecution{
		RuleID:     rule.ID,
		EntityType: target.EntityType,
		EntityID:   target.EntityID,
		Status:     models.ExecutionSuccess,
	}
	if err := db.Create(dup).Error; !errors.Is(err, gorm.ErrDuplicatedKey) {
		t.Fatalf("expected ErrDuplicatedKey, got %v", err)
	}
	// 再次执行走预检跳过
	if err := x.ExecuteRule(context.Background(), rule, evt, target); err != nil {
		t.Fatalf("repeat execution: %v", err)
	}
	if s := recorder.Snapshot(); s.Skipped != 1 {
		t.Errorf("expected skip counted, got %+v", s)
	}
	var count int64
	db.Model(&models.AutomationExecution{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected exactly 1 ledger row, got %d", count)
	}
}

func TestExecuteRule_NotifyTeamPublishes(t *testing.T) {
	db := newEngineTestDB(t)
	client := &fakePipeline{}
	pub := newCapturePublisher()
	x, _ := newTestExecutor(t, db, client, pub)

	rule := stageRule(t, db, 7, `[{"type":"notify_team","params":{"message":"lead is hot"}}]`)
	evt := leadEvent(t, 7, 42)
	evt.CorrelationID = "corr-abc"

	if err := x.ExecuteRule(context.Background(), rule, evt, leadTarget(42)); err != nil {
		t.Fatalf("ExecuteRule failed: %v", err)
	}

	notes := pub.topic(events.TopicTeamNotification)
	if len(notes) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notes))
	}
	if notes[0].CorrelationID != "corr-abc" {
		t.Errorf("correlation not propagated: %q", notes[0].CorrelationID)
	}
	var payload events.TeamNotification
	if err := notes[0].Decode(&payload); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if payload.Message != "lead is hot" || payload.RuleID != rule.ID {
		t.Errorf("unexpected notification: %+v", payload)
	}
}

func TestExecuteRule_MoveToStageUsesCreatedDeal(t *testing.T) {
	db := newEngineTestDB(t)
	client := &fakePipeline{orgUser: &pipeline.OrgUser{ID: 5}}
	pub := newCapturePublisher()
	x, _ := newTestExecutor(t, db, client, pub)

	rule := stageRule(t, db, 7,
		`[{"type":"create_deal","params":{}},{"type":"move_to_stage","params":{"stageId":4}}]`)
	evt := leadEvent(t, 7, 42)

	if err := x.ExecuteRule(context.Background(), rule, evt, leadTarget(42)); err != nil {
		t.Fatalf("ExecuteRule failed: %v", err)
	}

	client.mu.Lock()
	moves := append([]uint(nil), client.stageMoves...)
	client.mu.Unlock()
	if len(moves) != 1 || moves[0] != 100 {
		t.Errorf("expected created deal 100 to be moved, got %v", moves)
	}
}

// move_to_stage 是尽力而为：失败不影响台账写入
func TestExecuteRule_MoveToStageFailureStillRecords(t *testing.T) {
	db := newEngineTestDB(t)
	client := &fakePipeline{orgUser: &pipeline.OrgUser{ID: 5}, moveErr: errors.New("stage gone")}
	pub := newCapturePublisher()
	x, _ := newTestExecutor(t, db, client, pub)

	rule := stageRule(t, db, 7,
		`[{"type":"create_deal","params":{}},{"type":"move_to_stage","params":{"stageId":4}}]`)
	evt := leadEvent(t, 7, 42)

	if err := x.ExecuteRule(context.Background(), rule, evt, leadTarget(42)); err != nil {
		t.Fatalf("ExecuteRule failed: %v", err)
	}
	var row models.AutomationExecution
	if err := db.First(&row).Error; err != nil {
		t.Fatalf("expected ledger row: %v", err)
	}
	if row.Status != models.ExecutionSuccess {
		t.Errorf("primary action succeeded; status = %q", row.Status)
	}
}

func TestExecuteRule_InvalidActionsDropped(t *testing.T) {
	db := newEngineTestDB(t)
	client := &fakePipeline{}
	pub := newCapturePublisher()
	x, _ := newTestExecutor(t, db, client, pub)

	rule := stageRule(t, db, 7, `{not json`)
	evt := leadEvent(t, 7, 42)

	if err := x.ExecuteRule(context.Background(), rule, evt, leadTarget(42)); err != nil {
		t.Fatalf("ExecuteRule failed: %v", err)
	}
	var count int64
	db.Model(&models.AutomationExecution{}).Count(&count)
	if count != 0 {
		t.Errorf("invalid actions should not produce a ledger row, got %d", count)
	}
}

func TestResolveActor_SystemFallback(t *testing.T) {
	db := newEngineTestDB(t)
	client := &fakePipeline{}
	pub := newCapturePublisher()
	recorder := metrics.NewCounters()
	cfg := config.AutomationConfig{
		MaxAttempts:   3,
		RetryDelay:    time.Millisecond,
		ActorFallback: "system",
		SystemActorID: 999,
	}
	x := NewActionExecutor(db, client, pub, nil, recorder, cfg, logrus.New())

	rule := stageRule(t, db, 7, `[{"type":"create_deal","params":{}}]`)
	evt := leadEvent(t, 7, 42)

	if err := x.ExecuteRule(context.Background(), rule, evt, leadTarget(42)); err != nil {
		t.Fatalf("ExecuteRule failed: %v", err)
	}
	if client.lastMeta.ActingUserID != 999 {
		t.Errorf("acting user = %d, want system actor 999", client.lastMeta.ActingUserID)
	}
	if client.orgUserCalls != 0 {
		t.Errorf("system fallback must not consult the collaborator")
	}
}

func TestResolveActor_EventUserWins(t *testing.T) {
	db := newEngineTestDB(t)
	client := &fakePipeline{orgUser: &pipeline.OrgUser{ID: 5}}
	pub := newCapturePublisher()
	x, _ := newTestExecutor(t, db, client, pub)

	rule := stageRule(t, db, 7, `[{"type":"create_deal","params":{}}]`)
	evt := leadEvent(t, 7, 42)
	user := uint(17)
	evt.UserID = &user

	if err := x.ExecuteRule(context.Background(), rule, evt, leadTarget(42)); err != nil {
		t.Fatalf("ExecuteRule failed: %v", err)
	}
	if client.lastMeta.ActingUserID != 17 {
		t.Errorf("acting user = %d, want event user 17", client.lastMeta.ActingUserID)
	}
	if client.orgUserCalls != 0 {
		t.Errorf("fallback consulted despite event user")
	}
}

// SLA 台账按违约日去重：同日重复执行跳过，次日可再次执行
func TestExecuteRule_SLABreachPerDayDedup(t *testing.T) {
	db := newEngineTestDB(t)
	client := &fakePipeline{}
	pub := newCapturePublisher()
	x, _ := newTestExecutor(t, db, client, pub)

	rule := models.AutomationRule{
		OrganizationID:    7,
		Name:              "Stale lead alert",
		TriggerType:       models.TriggerLeadSLABreach,
		TriggerConditions: `{"pipelineId":1,"stageId":2,"maxDays":5}`,
		Actions:           `[{"type":"notify_team","params":{}}]`,
		Active:            true,
	}
	if err := db.Create(&rule).Error; err != nil {
		t.Fatalf("create rule: %v", err)
	}

	day1 := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	target := RuleTarget{
		EntityType:  models.EntityLead,
		EntityID:    42,
		PipelineID:  1,
		StageID:     2,
		DaysInStage: 6,
		BreachDate:  &day1,
	}
	evt, _ := events.New(events.TopicLeadSLABreach, 7, events.LeadSLABreach{
		LeadID: 42, PipelineID: 1, StageID: 2, DaysInStage: 6, BreachDate: "2026-08-29",
	})

	if err := x.ExecuteRule(context.Background(), rule, evt, target); err != nil {
		t.Fatalf("day1 first: %v", err)
	}
	if err := x.ExecuteRule(context.Background(), rule, evt, target); err != nil {
		t.Fatalf("day1 repeat: %v", err)
	}
	if got := len(pub.topic(events.TopicTeamNotification)); got != 1 {
		t.Fatalf("day1 notified %d times, want 1", got)
	}

	target2 := target
	target2.BreachDate = &day2
	evt2, _ := events.New(events.TopicLeadSLABreach, 7, events.LeadSLABreach{
		LeadID: 42, PipelineID: 1, StageID: 2, DaysInStage: 7, BreachDate: "2026-08-30",
	})
	if err := x.ExecuteRule(context.Background(), rule, evt2, target2); err != nil {
		t.Fatalf("day2: %v", err)
	}
	if got := len(pub.topic(events.TopicTeamNotification)); got != 2 {
		t.Fatalf("next-day breach suppressed; %d notifications", got)
	}

	var count int64
	db.Model(&models.AutomationExecution{}).Count(&count)
	if count != 2 {
		t.Errorf("expected 2 ledger rows (one per breach day), got %d", count)
	}
}

// 同一实体不同规则互不影响
func TestExecuteRule_IndependentRules(t *testing.T) {
	db := newEngineTestDB(t)
	client := &fakePipeline{orgUser: &pipeline.OrgUser{ID: 5}}
	pub := newCapturePublisher()
	x, _ := newTestExecutor(t, db, client, pub)

	ruleA := stageRule(t, db, 7, `[{"type":"notify_team","params":{}}]`)
	ruleB := stageRule(t, db, 7, `[{"type":"notify_team","params":{}}]`)
	evt := leadEvent(t, 7, 42)
	target := leadTarget(42)

	if err := x.ExecuteRule(context.Background(), ruleA, evt, target); err != nil {
		t.Fatalf("rule A: %v", err)
	}
	if err := x.ExecuteRule(context.Background(), ruleB, evt, target); err != nil {
		t.Fatalf("rule B: %v", err)
	}
	var count int64
	db.Model(&models.AutomationExecution{}).Count(&count)
	if count != 2 {
		t.Errorf("expected one row per rule, got %d", count)
	}
}
