package db

import (
    "context"
    "database/sql"
    "fmt"

    "github.com/hamzaKhattat/voip-billing-engine/pkg/logger"
)

// InitializeDatabase resets and recreates the engine schema. With
// dropExisting set all tables are dropped first, then migrations run
// and demo data is seeded.
func InitializeDatabase(ctx context.Context, db *sql.DB, dropExisting bool) error {
    log := logger.WithContext(ctx)

    if dropExisting {
        log.Warn("Dropping existing tables and data...")
        if err := dropAllTables(ctx, db); err != nil {
            return fmt.Errorf("failed to drop existing tables: %w", err)
        }
    }

    log.Info("Creating database schema...")

    if err := RunDatabaseMigrations(db); err != nil {
        return fmt.Errorf("failed to run migrations: %w", err)
    }

    if err := insertInitialData(ctx, db); err != nil {
        return fmt.Errorf("failed to insert initial data: %w", err)
    }

    log.Info("Database initialization completed successfully")
    return nil
}

func dropAllTables(ctx context.Context, db *sql.DB) error {
    // Disable foreign key checks
    if _, err := db.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 0"); err != nil {
        return err
    }

    // Get all tables
    rows, err := db.QueryContext(ctx, `
        SELECT table_name
        FROM information_schema.tables
        WHERE table_schema = DATABASE()
    `)
    if err != nil {
        return err
    }
    defer rows.Close()

    var tables []string
    for rows.Next() {
        var tableName string
        if err := rows.Scan(&tableName); err != nil {
            continue
        }
        tables = append(tables, tableName)
    }

    // Drop each table
    for _, table := range tables {
        if _, err := db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`", table)); err != nil {
            logger.WithContext(ctx).WithError(err).WithField("table", table).Warn("Failed to drop table")
        }
    }

    // Re-enable foreign key checks
    if _, err := db.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1"); err != nil {
        return err
    }

    return nil
}

func insertInitialData(ctx context.Context, db *sql.DB) error {
    queries := []string{
        `INSERT IGNORE INTO users (id, username, balance, balance_limit, max_in_calls, max_out_calls)
         VALUES (1, 'carrier-a', 1000.0, 0, 0, 0),
                (2, 'carrier-b', 500.0, 0, 0, 0)`,

        `INSERT IGNORE INTO tariffs (id, name, currency, exchange_rate)
         VALUES (1, 'default-usd', 'USD', 1),
                (2, 'wholesale-eur', 'EUR', 1.08)`,

        `INSERT IGNORE INTO rates (tariff_id, prefix, rate, min_time, increment_s, connection_fee)
         VALUES (1, '1', 0.0100, 0, 6, 0),
                (1, '44', 0.0150, 0, 1, 0),
                (2, '1', 0.0080, 60, 60, 0),
                (2, '44', 0.0120, 0, 6, 0)`,

        `INSERT IGNORE INTO devices (id, user_id, name, direction, host, port, tariff_id, capacity)
         VALUES (1, 1, 'op-carrier-a', 'origination', '203.0.113.10', 5060, 1, 100),
                (2, 2, 'tp-carrier-b', 'termination', '198.51.100.20', 5060, 2, 200)`,

        `INSERT IGNORE INTO dial_peers (id, name, route_group_id, failover_tier, prefix, primary_policy)
         VALUES (1, 'us-primary', 1, 0, '1', 'price')`,

        `INSERT IGNORE INTO dial_peer_devices (dial_peer_id, device_id, tp_weight, tp_percent)
         VALUES (1, 2, 10, 100)`,

        `INSERT IGNORE INTO quality_routings (id, name, formula)
         VALUES (1, 'asr-weighted', 'ASR * 0.7 + ACD * 0.3')`,
    }

    for _, query := range queries {
        if _, err := db.ExecContext(ctx, query); err != nil {
            return err
        }
    }

    return nil
}
