package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"leadflow/internal/models"
	"leadflow/pkg/gateway"
	"leadflow/pkg/utils"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", utils.GenerateID())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeGateway records outbound calls; failures are consumed in order.
type fakeGateway struct {
	mu            sync.Mutex
	whatsapp      []*gateway.WhatsAppMessage
	emails        []*gateway.EmailMessage
	webhooks      []string
	conversions   []*gateway.ConversionEvent
	whatsappFails int  // next N WhatsApp sends fail
	alwaysFail    bool // every WhatsApp send fails
}

var errGatewayDown = errors.New("gateway unavailable")

func (g *fakeGateway) SendWhatsApp(_ context.Context, msg *gateway.WhatsAppMessage) (*gateway.SendResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.alwaysFail {
		return nil, errGatewayDown
	}
	if g.whatsappFails > 0 {
		g.whatsappFails--
		return nil, errGatewayDown
	}
	g.whatsapp = append(g.whatsapp, msg)
	return &gateway.SendResult{ID: "wa-1", Status: "queued"}, nil
}

func (g *fakeGateway) SendEmail(_ context.Context, msg *gateway.EmailMessage) (*gateway.SendResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.emails = append(g.emails, msg)
	return &gateway.SendResult{ID: "em-1", Status: "queued"}, nil
}

func (g *fakeGateway) PostWebhook(_ context.Context, _ uint, method, url string, _ map[string]string, _ interface{}) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.webhooks = append(g.webhooks, method+" "+url)
	return 200, nil
}

func (g *fakeGateway) SendConversion(_ context.Context, evt *gateway.ConversionEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conversions = append(g.conversions, evt)
	return nil
}

func (g *fakeGateway) whatsappCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.whatsapp)
}

// recordingPublisher captures outcome messages.
type recordingPublisher struct {
	mu    sync.Mutex
	kinds []string
}

func (p *recordingPublisher) Publish(_ context.Context, kind string, _ uint, _ interface{}) error {
	p.mu.Lock()
	p.kinds = append(p.kinds, kind)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) count(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.kinds {
		if k == kind {
			n++
		}
	}
	return n
}

type harness struct {
	db        *gorm.DB
	clock     *testClock
	gw        *fakeGateway
	pub       *recordingPublisher
	store     *EventStore
	registry  *ActionRegistry
	runner    *ChainRunner
	delays    *DelayScheduler
	engine    *AutomationEngine
	sla       *SLARedistributor
	automator *AutomationService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := newTestDB(t)
	log := quietLogger()
	h := &harness{db: db, clock: newTestClock(), gw: &fakeGateway{}, pub: &recordingPublisher{}}

	h.store = NewEventStore(db, log)
	h.registry = NewActionRegistry()
	if err := RegisterBuiltinActions(h.registry, ActionDeps{DB: db, Gateway: h.gw, Events: h.store, Logger: log}); err != nil {
		t.Fatalf("register actions: %v", err)
	}
	h.runner = NewChainRunner(h.registry, log, 5)
	h.runner.SetClock(h.clock.Now)
	h.delays = NewDelayScheduler(db, h.runner, log, 3)
	h.delays.SetClock(h.clock.Now)
	h.delays.SetPublisher(h.pub)
	h.engine = NewAutomationEngine(db, h.store, h.runner, h.delays, log)
	h.engine.SetClock(h.clock.Now)
	h.engine.SetPublisher(h.pub)
	h.sla = NewSLARedistributor(db, h.store, log)
	h.sla.SetClock(h.clock.Now)
	h.sla.SetPublisher(h.pub)
	h.automator = NewAutomationService(db, h.registry, log, 100)
	return h
}

type crmFixture struct {
	pipeline models.Pipeline
	stages   []models.Stage
	lead     models.Lead
}

// seedCRM creates one pipeline with two stages and an open lead in the first.
func (h *harness) seedCRM(t *testing.T, tenantID uint) *crmFixture {
	t.Helper()
	f := &crmFixture{pipeline: models.Pipeline{TenantID: tenantID, Name: "Vendas"}}
	if err := h.db.Create(&f.pipeline).Error; err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	for i, name := range []string{"Novo", "Contato"} {
		st := models.Stage{TenantID: tenantID, PipelineID: f.pipeline.ID, Name: name, Position: i}
		if err := h.db.Create(&st).Error; err != nil {
			t.Fatalf("create stage: %v", err)
		}
		f.stages = append(f.stages, st)
	}
	f.lead = h.createLead(t, tenantID, f.pipeline.ID, f.stages[0].ID, nil)
	return f
}

func (h *harness) createLead(t *testing.T, tenantID, pipelineID, stageID uint, owner *uint) models.Lead {
	t.Helper()
	lead := models.Lead{
		TenantID:   tenantID,
		PipelineID: pipelineID,
		StageID:    stageID,
		OwnerID:    owner,
		Name:       "Ana",
		Email:      "ana@example.com",
		Phone:      "+5511999990000",
		Origin:     "site",
		Status:     models.LeadStatusOpen,
	}
	if err := h.db.Create(&lead).Error; err != nil {
		t.Fatalf("create lead: %v", err)
	}
	return lead
}

func (h *harness) createAutomation(t *testing.T, req *AutomationRequest) *models.Automation {
	t.Helper()
	a, err := h.automator.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create automation: %v", err)
	}
	return a
}

func (h *harness) appendEvent(t *testing.T, tenantID uint, typ string, leadID uint, data map[string]interface{}) *models.Event {
	t.Helper()
	ev, err := h.store.Append(context.Background(), &AppendEventRequest{
		TenantID:   tenantID,
		Type:       typ,
		EntityType: "lead",
		EntityID:   leadID,
		Data:       data,
	})
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	return ev
}

func (h *harness) logsOf(t *testing.T, automationID uint) []models.AutomationLog {
	t.Helper()
	var logs []models.AutomationLog
	if err := h.db.Where("automation_id = ?", automationID).Order("id ASC").Find(&logs).Error; err != nil {
		t.Fatalf("load logs: %v", err)
	}
	return logs
}

func (h *harness) pendingOf(t *testing.T, automationID uint) []models.PendingExecution {
	t.Helper()
	var rows []models.PendingExecution
	if err := h.db.Where("automation_id = ?", automationID).Order("id ASC").Find(&rows).Error; err != nil {
		t.Fatalf("load pending: %v", err)
	}
	return rows
}

func uintPtr(v uint) *uint { return &v }
