package database

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/Aidin1998/tradeguard/pkg/metrics"
)

// Ping checks that the database answers
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// ReportPoolStats samples the connection pool into the DB gauges
func ReportPoolStats(db *gorm.DB, driver string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	stats := sqlDB.Stats()
	metrics.DBOpenConns.WithLabelValues(driver).Set(float64(stats.OpenConnections))
	metrics.DBIdleConns.WithLabelValues(driver).Set(float64(stats.Idle))
	metrics.DBInUseConns.WithLabelValues(driver).Set(float64(stats.InUse))
	return nil
}
