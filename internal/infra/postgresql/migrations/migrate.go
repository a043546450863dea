package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/tkanat/notify-dispatch/internal/repository"
	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "000001_create_notifications",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.NotificationModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_notifications_status_channel_created ON notifications (status, channel, created_at)`,
					`CREATE INDEX IF NOT EXISTS idx_notifications_user_id ON notifications (user_id)`,
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_idempotency_key ON notifications (idempotency_key) WHERE idempotency_key IS NOT NULL`,
					`CREATE INDEX IF NOT EXISTS idx_notifications_retry ON notifications (next_retry_at) WHERE status = 'RETRY'`,
					`CREATE INDEX IF NOT EXISTS idx_notifications_scheduled ON notifications (scheduled_at) WHERE status = 'PENDING' AND scheduled_at IS NOT NULL`,
					`CREATE INDEX IF NOT EXISTS idx_notifications_correlation_id ON notifications (correlation_id)`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.NotificationModel{})
			},
		},
		{
			ID: "000002_create_delivery_attempts",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&repository.DeliveryAttemptModel{}); err != nil {
					return err
				}
				indexes := []string{
					`CREATE INDEX IF NOT EXISTS idx_attempts_notification_id ON delivery_attempts (notification_id)`,
					`CREATE INDEX IF NOT EXISTS idx_attempts_stale ON delivery_attempts (created_at) WHERE status IN ('PENDING', 'IN_PROGRESS')`,
				}
				for _, sql := range indexes {
					if err := tx.Exec(sql).Error; err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&repository.DeliveryAttemptModel{})
			},
		},
	})

	return m.Migrate()
}
