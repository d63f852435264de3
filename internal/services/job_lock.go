package services

import (
	"context"
	"fmt"
	"time"

	"leadflow/internal/models"
	"leadflow/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReleaseFunc releases a held job lease.
type ReleaseFunc func(ctx context.Context) error

// JobLocker guards a batch job against overlapping runs.
// Acquire returns ErrJobBusy while another holder's lease is alive.
type JobLocker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (ReleaseFunc, error)
}

// DBJobLocker keeps leases in the job_leases table.
type DBJobLocker struct {
	db  *gorm.DB
	now func() time.Time
}

func NewDBJobLocker(db *gorm.DB) *DBJobLocker {
	return &DBJobLocker{db: db, now: time.Now}
}

func (l *DBJobLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (ReleaseFunc, error) {
	owner := uuid.NewString()
	now := l.now()
	db := l.db.WithContext(ctx)

	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.JobLease{
		Name:      name,
		Owner:     owner,
		ExpiresAt: now.Add(ttl),
	})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		// 已有租约：仅在过期时接管
		res = db.Model(&models.JobLease{}).
			Where("name = ? AND expires_at < ?", name, now).
			UpdateColumns(map[string]interface{}{"owner": owner, "expires_at": now.Add(ttl), "updated_at": now})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to take over lease %s: %w", name, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, cloneError(ErrJobBusy, "job "+name+" already running", nil, map[string]any{"job": name})
		}
	}

	return func(ctx context.Context) error {
		return l.db.WithContext(ctx).
			Where("name = ? AND owner = ?", name, owner).
			Delete(&models.JobLease{}).Error
	}, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisJobLocker uses SET NX PX with a random token.
type RedisJobLocker struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisJobLocker(client redis.UniversalClient) *RedisJobLocker {
	return &RedisJobLocker{client: client, prefix: "leadflow:job:"}
}

func (l *RedisJobLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (ReleaseFunc, error) {
	key := l.prefix + name
	token := utils.GenerateID()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire redis lock %s: %w", name, err)
	}
	if !ok {
		return nil, cloneError(ErrJobBusy, "job "+name+" already running", nil, map[string]any{"job": name})
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}, nil
}

// NoopJobLocker never blocks.
type NoopJobLocker struct{}

func (NoopJobLocker) Acquire(context.Context, string, time.Duration) (ReleaseFunc, error) {
	return func(context.Context) error { return nil }, nil
}
