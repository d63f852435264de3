package main

import (
	"context"
	"os"
	"strings"

	"leadflow/internal/app"
	"leadflow/internal/config"
	"leadflow/internal/models"
	"leadflow/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gorm.io/gorm"
)

// extraIndexes 补充 AutoMigrate 之外的查询索引
var extraIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_events_tenant_type_created ON events(tenant_id, type, created_at)",
	"CREATE INDEX IF NOT EXISTS idx_pending_status_execute_at ON pending_executions(status, execute_at)",
	"CREATE INDEX IF NOT EXISTS idx_automation_logs_automation_created ON automation_logs(automation_id, created_at)",
	"CREATE INDEX IF NOT EXISTS idx_leads_owner_updated ON leads(owner_id, updated_at)",
	"CREATE INDEX IF NOT EXISTS idx_pipeline_members_pool ON pipeline_members(pipeline_id, active, position)",
}

func main() {
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("LEADFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	log := logrus.StandardLogger()

	db, err := app.OpenDB(cfg, log)
	if err != nil {
		log.Fatalf("%v", err)
	}

	log.Info("Starting database migration...")
	if err := app.Migrate(db); err != nil {
		log.Fatalf("%v", err)
	}

	log.Info("Creating additional indexes...")
	for _, stmt := range extraIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			log.Warnf("index: %v", err)
		}
	}

	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		log.Info("Seeding demo tenant...")
		if err := seed(context.Background(), db, cfg, log); err != nil {
			log.Fatalf("seed: %v", err)
		}
		log.Info("Demo tenant seeded")
	}

	log.Info("Migration process completed!")
}

const demoTenant uint = 1

// seed 创建演示租户：管理员、两名销售、带阶段的漏斗、轮转配置和一条欢迎自动化
func seed(ctx context.Context, db *gorm.DB, cfg *config.Config, log *logrus.Logger) error {
	var existing int64
	db.Model(&models.Pipeline{}).Where("tenant_id = ?", demoTenant).Count(&existing)
	if existing > 0 {
		log.Info("demo tenant already present, skipping")
		return nil
	}

	users := []models.User{
		{TenantID: demoTenant, Name: "Admin", Email: "admin@leadflow.local", Role: models.RoleAdmin, Active: true},
		{TenantID: demoTenant, Name: "Vendedor A", Email: "a@leadflow.local", Phone: "+5511900000001", Role: models.RoleSeller, Active: true},
		{TenantID: demoTenant, Name: "Vendedor B", Email: "b@leadflow.local", Phone: "+5511900000002", Role: models.RoleSeller, Active: true},
	}
	pipeline := models.Pipeline{TenantID: demoTenant, Name: "Vendas"}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&users).Error; err != nil {
			return err
		}
		if err := tx.Create(&pipeline).Error; err != nil {
			return err
		}
		for i, name := range []string{"Novo", "Contato", "Proposta", "Fechamento"} {
			if err := tx.Create(&models.Stage{TenantID: demoTenant, PipelineID: pipeline.ID, Name: name, Position: i}).Error; err != nil {
				return err
			}
		}
		for i, u := range users[1:] {
			m := models.PipelineMember{TenantID: demoTenant, PipelineID: pipeline.ID, UserID: u.ID, Position: i, Active: true}
			if err := tx.Create(&m).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	distribution := services.NewDistributionService(db, log)
	if _, err := distribution.UpsertConfig(ctx, &services.DistributionConfigRequest{
		TenantID:              demoTenant,
		PipelineID:            pipeline.ID,
		Mode:                  models.DistributionModeRodizio,
		SLAEnabled:            true,
		SLAMinutes:            30,
		SLAMaxRedistributions: 3,
		SLALimitAction:        models.SLALimitReturnToAdmin,
	}); err != nil {
		return err
	}

	registry := services.NewActionRegistry()
	if err := services.RegisterBuiltinActions(registry, services.ActionDeps{DB: db, Events: services.NewEventStore(db, log), Logger: log}); err != nil {
		return err
	}
	automations := services.NewAutomationService(db, registry, log, cfg.Engine.DefaultMaxExecutionsPerHour)
	_, err = automations.Create(ctx, &services.AutomationRequest{
		TenantID:    demoTenant,
		Name:        "Boas vindas",
		Description: "Mensagem de boas vindas e follow-up para leads do site",
		TriggerType: services.EventLeadCreated,
		Conditions:  []models.Condition{{Field: "origem", Operator: services.OpEquals, Value: "site"}},
		Actions: []models.Action{
			{Type: "send_whatsapp", Config: map[string]interface{}{"message": "Olá {{nome}}, recebemos seu contato!"}},
			{Type: services.ActionWait, Config: map[string]interface{}{"hours": 24}},
			{Type: "create_task", Config: map[string]interface{}{"title": "Follow-up com {{nome}}", "due_in_minutes": 60}},
		},
	})
	return err
}
