// Package store is the durable record of agents and commands. It is the
// single source of truth for every command's lifecycle; all state changes go
// through compare-and-set transitions so concurrent racers see exactly one
// success.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Command statuses.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusExecuting = "executing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
)

// Agent statuses.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrUnknownAgent     = errors.New("unknown agent")
	ErrDuplicateCommand = errors.New("duplicate command id")
)

// IsTerminal reports whether a status is absorbing.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// timeLayout is a fixed-width UTC format so stored timestamps sort lexically.
const timeLayout = "2006-01-02 15:04:05.000000000"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Agent is a row in the agents table.
type Agent struct {
	AgentID       string            `json:"agent_id"`
	Status        string            `json:"status"`
	FirstSeen     time.Time         `json:"first_seen"`
	LastConnected *time.Time        `json:"last_connected,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Command is a row in the commands table.
type Command struct {
	CommandID      string     `json:"command_id"`
	AgentID        string     `json:"agent_id"`
	Command        string     `json:"command"`
	TimeoutSeconds int        `json:"timeout_seconds"`
	Priority       int        `json:"priority"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Stdout         string     `json:"stdout"`
	Stderr         string     `json:"stderr"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	ExecutionTime  *float64   `json:"execution_time_seconds,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
}

// Patch carries the fields a transition may write alongside the new status.
// Nil fields are left untouched.
type Patch struct {
	SentAt        *time.Time
	CompletedAt   *time.Time
	Stdout        *string
	Stderr        *string
	ExitCode      *int
	ExecutionTime *float64
	ErrorMessage  *string
}

// Filter narrows list and statistics queries.
type Filter struct {
	AgentID       string
	Status        string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// Stats is the result of Statistics.
type Stats struct {
	Total               int            `json:"total"`
	ByStatus            map[string]int `json:"by_status"`
	AvgExecutionSeconds float64        `json:"avg_execution_seconds"`
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// A single connection ensures the busy_timeout pragma below (which is
	// per-connection) applies to every statement the pool executes.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrency; busy timeout so writers queue instead
	// of failing under contention.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'offline',
		first_seen TEXT NOT NULL,
		last_connected TEXT,
		metadata TEXT
	);

	CREATE TABLE IF NOT EXISTS commands (
		command_id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		command TEXT NOT NULL,
		timeout_seconds INTEGER NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		sent_at TEXT,
		completed_at TEXT,
		stdout TEXT NOT NULL DEFAULT '',
		stderr TEXT NOT NULL DEFAULT '',
		exit_code INTEGER,
		execution_time_seconds REAL,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_commands_agent ON commands(agent_id);
	CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);
	CREATE INDEX IF NOT EXISTS idx_commands_created ON commands(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertAgent creates or updates an agent row, setting first_seen on create.
func (s *Store) UpsertAgent(agentID string, metadata map[string]string) error {
	var metaJSON *string
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		str := string(data)
		metaJSON = &str
	}

	_, err := s.db.Exec(`
		INSERT INTO agents (agent_id, status, first_seen, metadata)
		VALUES (?, 'offline', ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			metadata = COALESCE(excluded.metadata, agents.metadata)
	`, agentID, formatTime(time.Now()), metaJSON)
	return err
}

// MarkAgent updates an agent's status. Going online also stamps
// last_connected. Returns ErrUnknownAgent if no such row exists.
func (s *Store) MarkAgent(agentID, status string) error {
	var result sql.Result
	var err error
	if status == AgentOnline {
		result, err = s.db.Exec(`
			UPDATE agents SET status = ?, last_connected = ? WHERE agent_id = ?
		`, status, formatTime(time.Now()), agentID)
	} else {
		result, err = s.db.Exec(`
			UPDATE agents SET status = ? WHERE agent_id = ?
		`, status, agentID)
	}
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrUnknownAgent
	}
	return nil
}

// MarkAllAgentsOffline resets agent status at coordinator startup. Agents go
// back online as their sessions reconnect.
func (s *Store) MarkAllAgentsOffline() (int64, error) {
	result, err := s.db.Exec(`UPDATE agents SET status = 'offline' WHERE status = 'online'`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetAgent returns a single agent row.
func (s *Store) GetAgent(agentID string) (*Agent, error) {
	row := s.db.QueryRow(`
		SELECT agent_id, status, first_seen, last_connected, metadata
		FROM agents WHERE agent_id = ?
	`, agentID)
	return scanAgent(row)
}

// ListAgents returns all known agents ordered by id.
func (s *Store) ListAgents() ([]*Agent, error) {
	rows, err := s.db.Query(`
		SELECT agent_id, status, first_seen, last_connected, metadata
		FROM agents ORDER BY agent_id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var firstSeen string
	var lastConnected, metaJSON sql.NullString

	err := row.Scan(&a.AgentID, &a.Status, &firstSeen, &lastConnected, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if a.FirstSeen, err = parseTime(firstSeen); err != nil {
		return nil, fmt.Errorf("bad first_seen: %w", err)
	}
	if lastConnected.Valid {
		t, err := parseTime(lastConnected.String)
		if err != nil {
			return nil, fmt.Errorf("bad last_connected: %w", err)
		}
		a.LastConnected = &t
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("bad metadata: %w", err)
		}
	}
	return &a, nil
}

// InsertCommand inserts a new pending command. The command id must be unique.
func (s *Store) InsertCommand(c *Command) error {
	if c.Status == "" {
		c.Status = StatusPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO commands (command_id, agent_id, command, timeout_seconds, priority, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.CommandID, c.AgentID, c.Command, c.TimeoutSeconds, c.Priority, c.Status, formatTime(c.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicateCommand
		}
		return err
	}
	return nil
}

// Transition is a compare-and-set on a command's status: the row's status
// must currently be in fromSet for the write to fire. Returns whether it did.
func (s *Store) Transition(commandID string, fromSet []string, to string, patch Patch) (bool, error) {
	if len(fromSet) == 0 {
		return false, errors.New("empty from set")
	}

	set := []string{"status = ?"}
	args := []any{to}

	if patch.SentAt != nil {
		set = append(set, "sent_at = ?")
		args = append(args, formatTime(*patch.SentAt))
	}
	if patch.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, formatTime(*patch.CompletedAt))
	}
	if patch.Stdout != nil {
		set = append(set, "stdout = ?")
		args = append(args, *patch.Stdout)
	}
	if patch.Stderr != nil {
		set = append(set, "stderr = ?")
		args = append(args, *patch.Stderr)
	}
	if patch.ExitCode != nil {
		set = append(set, "exit_code = ?")
		args = append(args, *patch.ExitCode)
	}
	if patch.ExecutionTime != nil {
		set = append(set, "execution_time_seconds = ?")
		args = append(args, *patch.ExecutionTime)
	}
	if patch.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fromSet)), ",")
	args = append(args, commandID)
	for _, from := range fromSet {
		args = append(args, from)
	}

	query := fmt.Sprintf(`UPDATE commands SET %s WHERE command_id = ? AND status IN (%s)`,
		strings.Join(set, ", "), placeholders)

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// GetCommand returns the full row for a command id.
func (s *Store) GetCommand(commandID string) (*Command, error) {
	row := s.db.QueryRow(selectCommand+` WHERE command_id = ?`, commandID)
	return scanCommand(row)
}

const selectCommand = `
	SELECT command_id, agent_id, command, timeout_seconds, priority, status,
	       created_at, sent_at, completed_at, stdout, stderr, exit_code,
	       execution_time_seconds, error_message
	FROM commands`

func scanCommand(row rowScanner) (*Command, error) {
	var c Command
	var createdAt string
	var sentAt, completedAt, errorMessage sql.NullString
	var exitCode sql.NullInt64
	var execTime sql.NullFloat64

	err := row.Scan(&c.CommandID, &c.AgentID, &c.Command, &c.TimeoutSeconds,
		&c.Priority, &c.Status, &createdAt, &sentAt, &completedAt,
		&c.Stdout, &c.Stderr, &exitCode, &execTime, &errorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at: %w", err)
	}
	if sentAt.Valid {
		t, err := parseTime(sentAt.String)
		if err != nil {
			return nil, fmt.Errorf("bad sent_at: %w", err)
		}
		c.SentAt = &t
	}
	if completedAt.Valid {
		t, err := parseTime(completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("bad completed_at: %w", err)
		}
		c.CompletedAt = &t
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		c.ExitCode = &code
	}
	if execTime.Valid {
		v := execTime.Float64
		c.ExecutionTime = &v
	}
	if errorMessage.Valid {
		msg := errorMessage.String
		c.ErrorMessage = &msg
	}
	return &c, nil
}

func (f *Filter) where() (string, []any) {
	var conds []string
	var args []any
	if f.AgentID != "" {
		conds = append(conds, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.CreatedAfter != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, formatTime(*f.CreatedBefore))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListCommands returns commands matching the filter, newest first.
func (s *Store) ListCommands(f Filter) ([]*Command, error) {
	where, args := f.where()
	query := selectCommand + where + ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var commands []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// PendingForAgent returns all pending commands for an agent in dispatch
// order: higher priority first, oldest first within a priority. Used to
// rebuild in-memory queues at startup and on reconnect.
func (s *Store) PendingForAgent(agentID string) ([]*Command, error) {
	rows, err := s.db.Query(selectCommand+`
		WHERE agent_id = ? AND status = 'pending'
		ORDER BY priority DESC, created_at ASC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var commands []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}
	return commands, rows.Err()
}

// FailInFlight downgrades every sent/executing command to failed with the
// given message. Run once at coordinator startup: any command that was in
// flight when the previous coordinator died can no longer be correlated.
func (s *Store) FailInFlight(reason string) (int64, error) {
	result, err := s.db.Exec(`
		UPDATE commands
		SET status = 'failed', error_message = ?, completed_at = ?
		WHERE status IN ('sent', 'executing')
	`, reason, formatTime(time.Now()))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PurgeOlderThan deletes terminal commands created before the cutoff.
func (s *Store) PurgeOlderThan(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(`
		DELETE FROM commands
		WHERE created_at < ?
		  AND status IN ('completed', 'failed', 'timeout', 'cancelled')
	`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Statistics returns per-status counts plus the average execution time over
// completed commands, both narrowed by the filter.
func (s *Store) Statistics(f Filter) (*Stats, error) {
	where, args := f.where()

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM commands`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	stats := &Stats{ByStatus: make(map[string]int)}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	avgWhere := where
	if avgWhere == "" {
		avgWhere = " WHERE status = 'completed'"
	} else {
		avgWhere += " AND status = 'completed'"
	}
	var avg sql.NullFloat64
	err = s.db.QueryRow(`SELECT AVG(execution_time_seconds) FROM commands`+avgWhere, args...).Scan(&avg)
	if err != nil {
		return nil, err
	}
	if avg.Valid {
		stats.AvgExecutionSeconds = avg.Float64
	}
	return stats, nil
}
