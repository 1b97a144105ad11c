package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for users, messages,
// processing times, and the job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "aibot.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode so the orchestrator and worker processes can share the file.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Users ---

// GetOrCreateUser looks a user up by Telegram id, creating the row with the
// default system prompt on first contact.
func (s *Store) GetOrCreateUser(telegramID int64) (User, error) {
	u, err := s.getUserByTelegramID(telegramID)
	if err == nil {
		return u, nil
	}
	if err != ErrNotFound {
		return User{}, err
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO users (telegram_id, system_prompt, created_at)
		VALUES (?, ?, ?)`,
		telegramID, DefaultSystemPrompt, now.Format(time.RFC3339),
	)
	if err != nil {
		// Another process may have inserted the row between the lookup and
		// the insert; retry the lookup once.
		if u, lookupErr := s.getUserByTelegramID(telegramID); lookupErr == nil {
			return u, nil
		}
		return User{}, fmt.Errorf("creating user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, err
	}
	return User{ID: id, TelegramID: telegramID, SystemPrompt: DefaultSystemPrompt, CreatedAt: now}, nil
}

func (s *Store) getUserByTelegramID(telegramID int64) (User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, telegram_id, system_prompt, created_at
		FROM users WHERE telegram_id = ?`, telegramID,
	).Scan(&u.ID, &u.TelegramID, &u.SystemPrompt, &createdAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return User{}, fmt.Errorf("parsing created_at: %w", err)
	}
	u.CreatedAt = t
	return u, nil
}

// GetUser returns a user by internal id.
func (s *Store) GetUser(id int64) (User, error) {
	var u User
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, telegram_id, system_prompt, created_at
		FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.TelegramID, &u.SystemPrompt, &createdAt)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return User{}, fmt.Errorf("parsing created_at: %w", err)
	}
	u.CreatedAt = t
	return u, nil
}

// SetSystemPrompt replaces a user's system prompt.
func (s *Store) SetSystemPrompt(userID int64, prompt string) error {
	res, err := s.db.Exec(`UPDATE users SET system_prompt = ? WHERE id = ?`, prompt, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Messages ---

// SaveMessage appends one conversation turn for a user.
func (s *Store) SaveMessage(userID int64, content string, isFromUser bool) (Message, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`
		INSERT INTO messages (user_id, content, is_from_user, is_reset, timestamp)
		VALUES (?, ?, ?, 0, ?)`,
		userID, content, boolToInt(isFromUser), now.Format(time.RFC3339),
	)
	if err != nil {
		return Message{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, UserID: userID, Content: content, IsFromUser: isFromUser, Timestamp: now}, nil
}

// RecentMessages returns a user's non-reset messages newer than the window,
// ordered oldest to newest, capped at limit.
func (s *Store) RecentMessages(userID int64, window time.Duration, limit int) ([]Message, error) {
	cutoff := time.Now().UTC().Add(-window).Format(time.RFC3339)
	rows, err := s.db.Query(`
		SELECT id, user_id, content, is_from_user, is_reset, timestamp
		FROM messages
		WHERE user_id = ? AND is_reset = 0 AND timestamp > ?
		ORDER BY timestamp ASC, id ASC
		LIMIT ?`, userID, cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var fromUser, reset int
		var ts string
		if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &fromUser, &reset, &ts); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		m.IsFromUser = fromUser != 0
		m.IsReset = reset != 0
		m.Timestamp = t
		results = append(results, m)
	}
	return results, rows.Err()
}

// ResetMessages marks all of a user's non-reset messages as reset and
// returns how many rows changed. Calling it again is a no-op.
func (s *Store) ResetMessages(userID int64) (int64, error) {
	res, err := s.db.Exec(`UPDATE messages SET is_reset = 1 WHERE user_id = ? AND is_reset = 0`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Processing times ---

// SaveProcessingTime appends one telemetry row. messageID may be 0 when the
// stage is not tied to a channel message.
func (s *Store) SaveProcessingTime(userID int64, operation string, d time.Duration, messageID int64) error {
	var msgID any
	if messageID != 0 {
		msgID = messageID
	}
	_, err := s.db.Exec(`
		INSERT INTO processing_times (user_id, message_id, operation, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		userID, msgID, operation, d.Milliseconds(), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// ProcessingTimesFor returns telemetry rows for a user, newest first.
// Used by the ops endpoints only, never by the pipeline.
func (s *Store) ProcessingTimesFor(userID int64, limit int) ([]ProcessingTime, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, COALESCE(message_id, 0), operation, duration_ms, created_at
		FROM processing_times WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ProcessingTime
	for rows.Next() {
		var p ProcessingTime
		var ms int64
		var createdAt string
		if err := rows.Scan(&p.ID, &p.UserID, &p.MessageID, &p.Operation, &ms, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		p.Duration = time.Duration(ms) * time.Millisecond
		p.CreatedAt = t
		results = append(results, p)
	}
	return results, rows.Err()
}

// --- Jobs ---

// EnqueueJob inserts a pending job.
func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, queue, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Queue, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob atomically claims the oldest runnable pending job on any of
// the given queues, marking it running. Returns nil when nothing is due.
func (s *Store) ClaimNextJob(queues []string) (*Job, error) {
	if len(queues) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(queues)-1)
	query := `SELECT id, queue, type, payload_json, result_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND queue IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(queues)+1)
	args = append(args, now)
	for _, q := range queues {
		args = append(args, q)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Queue, &j.Type, &j.PayloadJSON, &j.ResultJSON, &j.Status,
		&j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobStatusRunning
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

// CompleteJob fills a running job's result slot and marks it completed.
// The slot is write-once: completing an already-terminal job is an error.
func (s *Store) CompleteJob(id string, resultJSON string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'completed', result_json = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`, resultJSON, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob marks a running job failed with the given error message. The
// fabric never requeues: retry policy belongs to the caller.
func (s *Store) FailJob(id string, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'failed', attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`, errMsg, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(id string) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err := s.db.QueryRow(`
		SELECT id, queue, type, payload_json, result_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Queue, &j.Type, &j.PayloadJSON, &j.ResultJSON, &j.Status,
		&j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &updatedAt, &lastError)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after: %w", err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return j, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
