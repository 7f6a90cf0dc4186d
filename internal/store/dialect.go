package store

import (
	"fmt"
	"strconv"
	"strings"
)

type dialect struct {
	name   string
	driver string
	schema []string
	// lockSuffix is appended to the SELECT inside Update.
	lockSuffix string
	numbered   bool
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return dialect{name: "sqlite", driver: "sqlite", schema: sqliteSchema}, nil
	case "mysql", "mariadb":
		return dialect{name: "mysql", driver: "mysql", schema: mysqlSchema, lockSuffix: " FOR UPDATE"}, nil
	case "postgres", "postgresql", "pg":
		return dialect{name: "postgres", driver: "postgres", schema: postgresSchema, lockSuffix: " FOR UPDATE", numbered: true}, nil
	}
	return dialect{}, fmt.Errorf("unknown store driver: %s", driver)
}

// rebind rewrites ? placeholders into $n for drivers that need numbered ones.
func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS deliveries (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  platform TEXT NOT NULL,
  action TEXT NOT NULL DEFAULT 'post',
  body TEXT NOT NULL,
  media TEXT NOT NULL,
  target_id TEXT NOT NULL DEFAULT '',
  metadata TEXT NOT NULL,
  scheduled_at INTEGER NOT NULL,
  next_attempt_at INTEGER NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','processing','posted','failed','cancelled')) DEFAULT 'pending',
  result_id TEXT NOT NULL DEFAULT '',
  posted_at INTEGER NOT NULL DEFAULT 0,
  error_message TEXT NOT NULL DEFAULT '',
  error_code TEXT NOT NULL DEFAULT '',
  error_at INTEGER NOT NULL DEFAULT 0,
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  work_item_id TEXT NOT NULL DEFAULT '',
  version INTEGER NOT NULL DEFAULT 1,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_owner ON deliveries(owner_id, scheduled_at, status)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status, next_attempt_at)`,
	`CREATE TABLE IF NOT EXISTS delivery_attempts (
  id TEXT PRIMARY KEY,
  delivery_id TEXT NOT NULL,
  attempt_no INTEGER NOT NULL,
  started_at INTEGER NOT NULL,
  finished_at INTEGER NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  code TEXT NOT NULL DEFAULT '',
  retry_delay_ms INTEGER NOT NULL DEFAULT 0,
  FOREIGN KEY(delivery_id) REFERENCES deliveries(id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_delivery ON delivery_attempts(delivery_id, attempt_no)`,
}

// MySQL has no CREATE INDEX IF NOT EXISTS and no defaults on TEXT columns,
// so indexes are declared inline and every TEXT value is always written.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS deliveries (
  id VARCHAR(64) NOT NULL PRIMARY KEY,
  owner_id VARCHAR(128) NOT NULL,
  platform VARCHAR(32) NOT NULL,
  action VARCHAR(32) NOT NULL DEFAULT 'post',
  body TEXT NOT NULL,
  media TEXT NOT NULL,
  target_id VARCHAR(255) NOT NULL DEFAULT '',
  metadata TEXT NOT NULL,
  scheduled_at BIGINT NOT NULL,
  next_attempt_at BIGINT NOT NULL,
  status VARCHAR(16) NOT NULL DEFAULT 'pending',
  result_id VARCHAR(255) NOT NULL DEFAULT '',
  posted_at BIGINT NOT NULL DEFAULT 0,
  error_message TEXT NOT NULL,
  error_code VARCHAR(64) NOT NULL DEFAULT '',
  error_at BIGINT NOT NULL DEFAULT 0,
  retry_count INT NOT NULL DEFAULT 0,
  max_retries INT NOT NULL DEFAULT 3,
  work_item_id VARCHAR(64) NOT NULL DEFAULT '',
  version BIGINT NOT NULL DEFAULT 1,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  INDEX idx_deliveries_owner (owner_id, scheduled_at, status),
  INDEX idx_deliveries_status (status, next_attempt_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS delivery_attempts (
  id VARCHAR(64) NOT NULL PRIMARY KEY,
  delivery_id VARCHAR(64) NOT NULL,
  attempt_no INT NOT NULL,
  started_at BIGINT NOT NULL,
  finished_at BIGINT NOT NULL,
  success TINYINT NOT NULL DEFAULT 0,
  error TEXT NOT NULL,
  code VARCHAR(64) NOT NULL DEFAULT '',
  retry_delay_ms BIGINT NOT NULL DEFAULT 0,
  INDEX idx_attempts_delivery (delivery_id, attempt_no),
  FOREIGN KEY (delivery_id) REFERENCES deliveries(id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS deliveries (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  platform TEXT NOT NULL,
  action TEXT NOT NULL DEFAULT 'post',
  body TEXT NOT NULL,
  media TEXT NOT NULL,
  target_id TEXT NOT NULL DEFAULT '',
  metadata TEXT NOT NULL,
  scheduled_at BIGINT NOT NULL,
  next_attempt_at BIGINT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','processing','posted','failed','cancelled')),
  result_id TEXT NOT NULL DEFAULT '',
  posted_at BIGINT NOT NULL DEFAULT 0,
  error_message TEXT NOT NULL DEFAULT '',
  error_code TEXT NOT NULL DEFAULT '',
  error_at BIGINT NOT NULL DEFAULT 0,
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  work_item_id TEXT NOT NULL DEFAULT '',
  version BIGINT NOT NULL DEFAULT 1,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_owner ON deliveries(owner_id, scheduled_at, status)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status, next_attempt_at)`,
	`CREATE TABLE IF NOT EXISTS delivery_attempts (
  id TEXT PRIMARY KEY,
  delivery_id TEXT NOT NULL REFERENCES deliveries(id),
  attempt_no INTEGER NOT NULL,
  started_at BIGINT NOT NULL,
  finished_at BIGINT NOT NULL,
  success SMALLINT NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  code TEXT NOT NULL DEFAULT '',
  retry_delay_ms BIGINT NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_delivery ON delivery_attempts(delivery_id, attempt_no)`,
}
