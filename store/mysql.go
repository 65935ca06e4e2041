package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL-backed Store for deployments where several worker
// processes share one database. The optimistic-lock UPDATE predicates give
// the same claim semantics as the other backends without row locks held
// across requests.
type MySQLStore struct {
	sqlStore
}

// NewMySQLStore connects using a go-sql-driver DSN, for example
// "user:pass@tcp(localhost:3306)/contentflow?parseTime=true". parseTime=true
// is required; timestamps are scanned into time.Time.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{sqlStore: sqlStore{db: db}}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id VARCHAR(64) PRIMARY KEY,
			idempotency_key VARCHAR(255) NULL,
			mode VARCHAR(16) NOT NULL,
			topic TEXT NOT NULL,
			requirements TEXT NOT NULL,
			target_audience VARCHAR(255) NOT NULL DEFAULT '',
			keywords TEXT NULL,
			tone VARCHAR(64) NOT NULL DEFAULT '',
			hard_constraints TEXT NULL,
			priority VARCHAR(16) NOT NULL,
			image_size VARCHAR(32) NOT NULL DEFAULT '',
			user_id VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL,
			current_step VARCHAR(64) NULL,
			worker_id VARCHAR(128) NULL,
			text_retry_count INT NOT NULL DEFAULT 0,
			image_retry_count INT NOT NULL DEFAULT 0,
			state_snapshot MEDIUMBLOB NULL,
			error_message TEXT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			started_at DATETIME(6) NULL,
			completed_at DATETIME(6) NULL,
			deleted_at DATETIME(6) NULL,
			KEY idx_tasks_status_priority (status, priority, created_at),
			KEY idx_tasks_idempotency (idempotency_key),
			KEY idx_tasks_user (user_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS results (
			id VARCHAR(64) PRIMARY KEY,
			task_id VARCHAR(64) NOT NULL,
			type VARCHAR(32) NOT NULL,
			content MEDIUMTEXT NOT NULL,
			file_path VARCHAR(512) NOT NULL DEFAULT '',
			metadata TEXT NULL,
			created_at DATETIME(6) NOT NULL,
			KEY idx_results_task (task_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS quality_checks (
			id VARCHAR(64) PRIMARY KEY,
			task_id VARCHAR(64) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			score DOUBLE NOT NULL,
			passed BOOLEAN NOT NULL,
			hard_constraints_passed BOOLEAN NOT NULL,
			details TEXT NULL,
			fix_suggestions TEXT NULL,
			rubric_version VARCHAR(32) NOT NULL DEFAULT '',
			model_name VARCHAR(64) NOT NULL DEFAULT '',
			created_at DATETIME(6) NOT NULL,
			KEY idx_quality_checks_task (task_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}
