package ticket

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/h1v3-io/triage/pkg/protocol"
)

// Supported database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// timeLayout is fixed-width UTC so timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// SQLStore implements Store on database/sql for SQLite and MySQL.
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// Open opens a store for the given driver ("sqlite" or "mysql") and runs migrations.
// For sqlite the dsn is a file path; for mysql it is a go-sql-driver DSN.
func Open(driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLiteStore(dsn)
	case DriverMySQL:
		return NewMySQLStore(dsn)
	default:
		return nil, fmt.Errorf("ticket store: unsupported driver %q", driver)
	}
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLStore, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	// Status transitions read then write inside one transaction, so they must
	// take the write lock at BEGIN and wait on busy_timeout for it.
	db, err := sql.Open("sqlite", path+sep+"_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("ticket store: open: %w", err)
	}

	// Enable WAL mode for better concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket store: wal: %w", err)
	}

	return newSQLStore(db, DriverSQLite)
}

// NewMySQLStore connects to MySQL and runs migrations.
func NewMySQLStore(dsn string) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("ticket store: parse dsn: %w", err)
	}
	cfg.Loc = time.UTC
	cfg.MultiStatements = false

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("ticket store: connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket store: ping: %w", err)
	}
	return newSQLStore(db, DriverMySQL)
}

func newSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS tickets (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		user_email        TEXT NOT NULL,
		issue_description TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'Open',
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agent_logs (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id        INTEGER NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
		category         TEXT NOT NULL,
		priority         TEXT NOT NULL,
		rag_docs         TEXT NOT NULL,
		response         TEXT NOT NULL,
		confidence_score REAL NOT NULL,
		needs_review     INTEGER NOT NULL,
		degraded         TEXT NOT NULL,
		created_at       TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_email ON tickets(user_email)`,
	`CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_ticket ON agent_logs(ticket_id)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS tickets (
		id                BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		user_email        VARCHAR(320) NOT NULL,
		issue_description TEXT NOT NULL,
		status            VARCHAR(32) NOT NULL DEFAULT 'Open',
		created_at        VARCHAR(32) NOT NULL,
		updated_at        VARCHAR(32) NOT NULL,
		INDEX idx_tickets_email (user_email),
		INDEX idx_tickets_status (status)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS agent_logs (
		id               BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		ticket_id        BIGINT NOT NULL,
		category         VARCHAR(64) NOT NULL,
		priority         VARCHAR(32) NOT NULL,
		rag_docs         MEDIUMTEXT NOT NULL,
		response         MEDIUMTEXT NOT NULL,
		confidence_score DOUBLE NOT NULL,
		needs_review     TINYINT(1) NOT NULL,
		degraded         TEXT NOT NULL,
		created_at       VARCHAR(32) NOT NULL,
		INDEX idx_logs_ticket (ticket_id),
		CONSTRAINT fk_logs_ticket FOREIGN KEY (ticket_id) REFERENCES tickets(id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

func (s *SQLStore) migrate() error {
	schema := sqliteSchema
	if s.dialect == DriverMySQL {
		schema = mysqlSchema
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("ticket store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) timestamp() string {
	return s.now().UTC().Format(timeLayout)
}

func (s *SQLStore) Create(ctx context.Context, email, description string) (*protocol.Ticket, error) {
	ts := s.timestamp()
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO tickets (user_email, issue_description, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		email, description, string(protocol.TicketProcessing), ts, ts)
	if err != nil {
		return nil, fmt.Errorf("ticket store: create: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("ticket store: create id: %w", err)
	}
	created, _ := time.Parse(timeLayout, ts)
	return &protocol.Ticket{
		ID:          id,
		Email:       email,
		Description: description,
		Status:      protocol.TicketProcessing,
		CreatedAt:   created,
		UpdatedAt:   created,
	}, nil
}

const ticketColumns = "id, user_email, issue_description, status, created_at, updated_at"

func (s *SQLStore) Get(ctx context.Context, id int64) (*protocol.Ticket, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("ticket store: get: %w", err)
	}
	return t, nil
}

func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*protocol.Ticket, error) {
	where, args := filterClause(filter)
	query := `SELECT ` + ticketColumns + ` FROM tickets` + where + ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ticket store: list: %w", err)
	}
	defer rows.Close()

	tickets := []*protocol.Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list scan: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *SQLStore) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := filterClause(filter)
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tickets`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ticket store: count: %w", err)
	}
	return count, nil
}

func (s *SQLStore) CountByStatus(ctx context.Context) (map[protocol.TicketStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tickets GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("ticket store: count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[protocol.TicketStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("ticket store: count by status scan: %w", err)
		}
		counts[protocol.TicketStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLStore) UpdateStatus(ctx context.Context, id int64, status protocol.TicketStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ticket store: begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.transition(ctx, tx, id, status); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ticket store: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendLog(ctx context.Context, log *protocol.AgentLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ticket store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.currentStatus(ctx, tx, log.TicketID); err != nil {
		return err
	}
	if err := s.insertLog(ctx, tx, log); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ticket store: commit: %w", err)
	}
	return nil
}

func (s *SQLStore) Complete(ctx context.Context, log *protocol.AgentLog, status protocol.TicketStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ticket store: begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.transition(ctx, tx, log.TicketID, status); err != nil {
		return err
	}
	if err := s.insertLog(ctx, tx, log); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ticket store: commit: %w", err)
	}
	return nil
}

const logColumns = "id, ticket_id, category, priority, rag_docs, response, confidence_score, needs_review, degraded, created_at"

func (s *SQLStore) LatestLog(ctx context.Context, ticketID int64) (*protocol.AgentLog, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+logColumns+` FROM agent_logs WHERE ticket_id = ? ORDER BY id DESC LIMIT 1`, ticketID)
	l, err := scanLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ticket store: latest log: %w", err)
	}
	return l, nil
}

func (s *SQLStore) Logs(ctx context.Context, ticketID int64) ([]*protocol.AgentLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+logColumns+` FROM agent_logs WHERE ticket_id = ? ORDER BY id`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("ticket store: logs: %w", err)
	}
	defer rows.Close()

	var logs []*protocol.AgentLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: logs scan: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *SQLStore) ListStale(ctx context.Context, status protocol.TicketStatus, cutoff time.Time) ([]*protocol.Ticket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE status = ? AND created_at < ? ORDER BY id`,
		string(status), cutoff.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("ticket store: list stale: %w", err)
	}
	defer rows.Close()

	var tickets []*protocol.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket store: list stale scan: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// --- helpers ---

func (s *SQLStore) currentStatus(ctx context.Context, tx *sql.Tx, id int64) (protocol.TicketStatus, error) {
	query := `SELECT status FROM tickets WHERE id = ?`
	if s.dialect == DriverMySQL {
		query += ` FOR UPDATE`
	}
	var status string
	if err := tx.QueryRowContext(ctx, query, id).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("ticket %d: %w", id, ErrNotFound)
		}
		return "", fmt.Errorf("ticket store: read status: %w", err)
	}
	return protocol.TicketStatus(status), nil
}

func (s *SQLStore) transition(ctx context.Context, tx *sql.Tx, id int64, to protocol.TicketStatus) error {
	from, err := s.currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !protocol.CanTransition(from, to) {
		return fmt.Errorf("ticket %d: %s → %s: %w", id, from, to, ErrInvalidTransition)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`,
		string(to), s.timestamp(), id); err != nil {
		return fmt.Errorf("ticket store: update status: %w", err)
	}
	return nil
}

func (s *SQLStore) insertLog(ctx context.Context, tx *sql.Tx, l *protocol.AgentLog) error {
	passages := l.Passages
	if passages == nil {
		passages = []string{}
	}
	degraded := l.Degraded
	if degraded == nil {
		degraded = []protocol.StepIssue{}
	}
	passagesJSON, _ := json.Marshal(passages)
	degradedJSON, _ := json.Marshal(degraded)

	ts := s.timestamp()
	result, err := tx.ExecContext(ctx,
		`INSERT INTO agent_logs (ticket_id, category, priority, rag_docs, response, confidence_score, needs_review, degraded, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.TicketID, l.Category, l.Priority, string(passagesJSON), l.Draft, l.Confidence, l.NeedsReview,
		string(degradedJSON), ts)
	if err != nil {
		return fmt.Errorf("ticket store: insert log: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		l.ID = id
	}
	l.CreatedAt, _ = time.Parse(timeLayout, ts)
	return nil
}

func filterClause(filter Filter) (string, []any) {
	var conds []string
	var args []any
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Email != "" {
		conds = append(conds, "user_email = ?")
		args = append(args, filter.Email)
	}
	if filter.Query != "" {
		conds = append(conds, "issue_description LIKE ?")
		args = append(args, fmt.Sprintf("%%%s%%", filter.Query))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTicket(s scannable) (*protocol.Ticket, error) {
	var t protocol.Ticket
	var status, createdAt, updatedAt string
	if err := s.Scan(&t.ID, &t.Email, &t.Description, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Status = protocol.TicketStatus(status)
	t.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	t.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &t, nil
}

func scanLog(s scannable) (*protocol.AgentLog, error) {
	var l protocol.AgentLog
	var passagesJSON, degradedJSON, createdAt string
	err := s.Scan(&l.ID, &l.TicketID, &l.Category, &l.Priority, &passagesJSON, &l.Draft,
		&l.Confidence, &l.NeedsReview, &degradedJSON, &createdAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(passagesJSON), &l.Passages)
	json.Unmarshal([]byte(degradedJSON), &l.Degraded)
	l.CreatedAt, _ = time.Parse(timeLayout, createdAt)

	// Ensure nil slices are empty slices
	if l.Passages == nil {
		l.Passages = []string{}
	}
	return &l, nil
}
