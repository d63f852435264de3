//go:build integration

package app

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"leadflow/internal/models"
	"leadflow/internal/services"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func dropTables(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()
	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)
	defer db.Close()
	for _, table := range []string{
		"job_leases", "distribution_histories", "distribution_configs", "rule_execution_keys",
		"pending_executions", "automation_logs", "automations", "events", "tasks", "leads",
		"pipeline_members", "stages", "pipelines", "users",
	} {
		_, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}
}

func setupPostgres(t *testing.T) *App {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	t.Cleanup(cancel)

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("leadflow_test"),
		postgres.WithUsername("leadflow"),
		postgres.WithPassword("leadflow"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	databaseURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	dropTables(ctx, t, databaseURL)

	cfg := testConfig(t)
	cfg.Database.Driver = "postgres"
	cfg.Database.DSN = databaseURL

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	db, err := OpenDB(cfg, log)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	a, err := New(cfg, db, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestPostgres_EventToLogAndSLARotation(t *testing.T) {
	a := setupPostgres(t)
	ctx := context.Background()
	db := a.DB

	sellers := []models.User{
		{TenantID: 1, Name: "A", Role: models.RoleSeller, Active: true},
		{TenantID: 1, Name: "B", Role: models.RoleSeller, Active: true},
	}
	require.NoError(t, db.Create(&sellers).Error)
	pipeline := models.Pipeline{TenantID: 1, Name: "Vendas"}
	require.NoError(t, db.Create(&pipeline).Error)
	for i, u := range sellers {
		require.NoError(t, db.Create(&models.PipelineMember{TenantID: 1, PipelineID: pipeline.ID, UserID: u.ID, Position: i, Active: true}).Error)
	}
	_, err := a.Distribution.UpsertConfig(ctx, &services.DistributionConfigRequest{
		TenantID: 1, PipelineID: pipeline.ID, Mode: models.DistributionModeRodizio,
		SLAEnabled: true, SLAMinutes: 10, SLAMaxRedistributions: 3,
	})
	require.NoError(t, err)

	lead := models.Lead{TenantID: 1, PipelineID: pipeline.ID, OwnerID: &sellers[0].ID, Name: "Ana", Status: models.LeadStatusOpen}
	require.NoError(t, db.Create(&lead).Error)
	require.NoError(t, db.Model(&models.Lead{}).Where("id = ?", lead.ID).
		UpdateColumn("updated_at", time.Now().UTC().Add(-time.Hour)).Error)

	sweep, err := a.Runner.ProcessSLA(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Redistributed)

	var moved models.Lead
	require.NoError(t, db.First(&moved, lead.ID).Error)
	require.NotNil(t, moved.OwnerID)
	assert.Equal(t, sellers[1].ID, *moved.OwnerID)

	rule, err := a.Automations.Create(ctx, &services.AutomationRequest{
		TenantID: 1, Name: "Tag site", TriggerType: services.EventLeadCreated,
		Conditions: []models.Condition{{Field: "origem", Operator: services.OpEquals, Value: "site"}},
		Actions:    []models.Action{{Type: "add_tag", Config: map[string]interface{}{"tag": "site"}}},
	})
	require.NoError(t, err)
	_, err = a.Events.Append(ctx, &services.AppendEventRequest{
		TenantID: 1, Type: services.EventLeadCreated, EntityType: "lead", EntityID: lead.ID,
		Data: map[string]interface{}{"origem": "site"},
	})
	require.NoError(t, err)

	batch, err := a.Runner.ProcessEvents(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, batch.Executed, 1)

	logs, total, err := a.Automations.ListLogs(ctx, rule.ID, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Equal(t, models.LogStatusSuccess, logs[0].Status)
}
