package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"coteacher/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the database configured under dbType.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if dbCfg.DSN == ":memory:" {
			db.SetMaxOpenConns(1)
		}
	case "mysql":
		dsn := dbCfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
				dbCfg.Username,
				dbCfg.Password,
				dbCfg.Host,
				dbCfg.Port,
				dbCfg.DBName,
				dbCfg.Params,
			)
		}
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				teacher_id TEXT NOT NULL,
				conversation_id TEXT NOT NULL,
				sort_id TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				type TEXT NOT NULL DEFAULT 'general',
				student_ids TEXT NOT NULL DEFAULT '[]',
				class_id TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				PRIMARY KEY (teacher_id, sort_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_conversations_class ON conversations(teacher_id, class_id)`,
			`CREATE TABLE IF NOT EXISTS chat_messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				teacher_id TEXT NOT NULL,
				conversation_id TEXT NOT NULL,
				sort_id TEXT NOT NULL,
				message TEXT NOT NULL,
				sender TEXT NOT NULL,
				created_at INTEGER NOT NULL,
				expires_at INTEGER NOT NULL,
				UNIQUE (teacher_id, sort_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation ON chat_messages(teacher_id, conversation_id)`,
			`CREATE INDEX IF NOT EXISTS idx_chat_messages_expiry ON chat_messages(expires_at)`,
			`CREATE TABLE IF NOT EXISTS teacher_tokens (
				token TEXT PRIMARY KEY,
				teacher_id TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_teacher_tokens_teacher ON teacher_tokens(teacher_id)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS conversations (
				teacher_id VARCHAR(255) NOT NULL,
				conversation_id VARCHAR(64) NOT NULL,
				sort_id VARCHAR(128) NOT NULL,
				title VARCHAR(255) NOT NULL DEFAULT '',
				type VARCHAR(32) NOT NULL DEFAULT 'general',
				student_ids TEXT NOT NULL,
				class_id VARCHAR(255) NOT NULL DEFAULT '',
				created_at BIGINT NOT NULL,
				PRIMARY KEY (teacher_id, sort_id),
				INDEX idx_conversations_class (teacher_id, class_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS chat_messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				teacher_id VARCHAR(255) NOT NULL,
				conversation_id VARCHAR(64) NOT NULL,
				sort_id VARCHAR(160) NOT NULL,
				message MEDIUMTEXT NOT NULL,
				sender VARCHAR(32) NOT NULL,
				created_at BIGINT NOT NULL,
				expires_at BIGINT NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_chat_messages_sort (teacher_id, sort_id),
				INDEX idx_chat_messages_conversation (teacher_id, conversation_id),
				INDEX idx_chat_messages_expiry (expires_at)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS teacher_tokens (
				token VARCHAR(255) NOT NULL PRIMARY KEY,
				teacher_id VARCHAR(255) NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				INDEX idx_teacher_tokens_teacher (teacher_id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
