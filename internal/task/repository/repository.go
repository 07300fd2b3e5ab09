// Package repository persists tasks, devices and model-call usage.
//
// Phone and PC flows write to parallel table pairs (tasks/pc_tasks,
// devices/pc_devices) with identical schemas; rows are routed by device
// kind. Reads that don't know the kind consult both tables. Steps and
// memory are stored as JSON text so the row stays self-contained.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/db"
	"github.com/autofleet/autofleet/internal/device"
	"github.com/autofleet/autofleet/internal/task/models"
	v1 "github.com/autofleet/autofleet/pkg/api/v1"
)

// ErrNotFound is returned when a task or device row does not exist.
var ErrNotFound = errors.New("not found")

// InterruptedReason marks tasks that were mid-flight when the server
// went down. Applied once at boot before the scheduler starts.
const InterruptedReason = "server restarted during execution"

// Repository stores fleet state across restarts. The in-memory
// scheduler and registry remain the source of truth while the process
// lives; this layer is the durable mirror.
type Repository struct {
	db  *sqlx.DB // writer
	ro  *sqlx.DB // reader
	log *logger.Logger
}

// New wires the repository over the shared pool and creates the schema.
func New(pool *db.Pool, log *logger.Logger) (*Repository, error) {
	r := &Repository{db: pool.Writer(), ro: pool.Reader(), log: log}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

const taskColumns = `
	id TEXT PRIMARY KEY,
	instruction TEXT NOT NULL,
	device_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 5,
	kernel TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL DEFAULT '',
	model_config TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	steps TEXT NOT NULL DEFAULT '[]',
	step_count INTEGER NOT NULL DEFAULT 0,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	memory TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	updated_at TIMESTAMP NOT NULL`

const deviceColumns = `
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT 'phone',
	port INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'offline',
	specs TEXT NOT NULL DEFAULT '{}',
	total_tasks INTEGER NOT NULL DEFAULT 0,
	success_tasks INTEGER NOT NULL DEFAULT 0,
	failed_tasks INTEGER NOT NULL DEFAULT 0,
	last_heartbeat TIMESTAMP,
	registered_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL`

func (r *Repository) initSchema() error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if db.IsPostgres(r.db.DriverName()) {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS tasks (%[1]s);
	CREATE TABLE IF NOT EXISTS pc_tasks (%[1]s);

	CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_tasks_device ON tasks(device_id);
	CREATE INDEX IF NOT EXISTS idx_pc_tasks_status_created ON pc_tasks(status, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_pc_tasks_device ON pc_tasks(device_id);

	CREATE TABLE IF NOT EXISTS devices (%[2]s);
	CREATE TABLE IF NOT EXISTS pc_devices (%[2]s);

	CREATE TABLE IF NOT EXISTS model_calls (
		%[3]s,
		task_id TEXT NOT NULL,
		device_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		step_index INTEGER NOT NULL DEFAULT 0,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_model_calls_task ON model_calls(task_id);
	`, taskColumns, deviceColumns, idColumn)

	_, err := r.db.Exec(schema)
	return err
}

func taskTable(kind device.Kind) string {
	if kind == device.KindPC {
		return "pc_tasks"
	}
	return "tasks"
}

func deviceTable(kind device.Kind) string {
	if kind == device.KindPC {
		return "pc_devices"
	}
	return "devices"
}

// SaveTask writes the full task row, inserting or replacing by id. The
// scheduler calls this on create, after every step, and at finalize, so
// the row always reflects the latest in-memory state.
func (r *Repository) SaveTask(ctx context.Context, t *models.Task) error {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	memory := ""
	if !t.Memory.Empty() {
		raw, err := json.Marshal(t.Memory)
		if err != nil {
			return fmt.Errorf("marshal memory: %w", err)
		}
		memory = string(raw)
	}
	modelConfig := ""
	if t.Model != nil {
		// Keys never hit disk unmasked; interrupted tasks are not
		// resumed, so the stored config is informational only.
		raw, err := json.Marshal(t.Model.Masked())
		if err != nil {
			return fmt.Errorf("marshal model config: %w", err)
		}
		modelConfig = string(raw)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, instruction, device_id, status, priority, kernel, mode, model_config,
			result, error, steps, step_count, prompt_tokens, completion_tokens, total_tokens,
			memory, created_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			device_id = excluded.device_id,
			status = excluded.status,
			priority = excluded.priority,
			kernel = excluded.kernel,
			mode = excluded.mode,
			model_config = excluded.model_config,
			result = excluded.result,
			error = excluded.error,
			steps = excluded.steps,
			step_count = excluded.step_count,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			total_tokens = excluded.total_tokens,
			memory = excluded.memory,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`, taskTable(t.DeviceKind))

	_, err = r.db.ExecContext(ctx, r.db.Rebind(query),
		t.ID, t.Instruction, t.DeviceID, string(t.Status), t.Priority, t.Kernel, t.Mode, modelConfig,
		t.Result, t.Error, string(steps), len(t.Steps),
		t.Tokens.PromptTokens, t.Tokens.CompletionTokens, t.Tokens.TotalTokens,
		memory, t.CreatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt), t.UpdatedAt)
	return err
}

// GetTask loads a task by id, checking the phone table first and the
// PC table second.
func (r *Repository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	for _, kind := range []device.Kind{device.KindPhone, device.KindPC} {
		t, err := r.getTaskFrom(ctx, taskTable(kind), kind, id)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
}

const taskSelect = `SELECT id, instruction, device_id, status, priority, kernel, mode, model_config,
	result, error, steps, prompt_tokens, completion_tokens, total_tokens,
	memory, created_at, started_at, completed_at, updated_at FROM `

func (r *Repository) getTaskFrom(ctx context.Context, table string, kind device.Kind, id string) (*models.Task, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(taskSelect+table+` WHERE id = ?`), id)
	t, err := scanTask(row, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// Query filters and paginates ListTasks.
type Query struct {
	Status   string
	DeviceID string
	Limit    int
	Offset   int
}

// ListTasks returns tasks from both table pairs, newest first, plus the
// total matching count for pagination.
func (r *Repository) ListTasks(ctx context.Context, q Query) ([]*models.Task, int, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	var where []string
	var args []interface{}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}
	if q.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	count := fmt.Sprintf(`SELECT
		(SELECT COUNT(*) FROM tasks%[1]s) + (SELECT COUNT(*) FROM pc_tasks%[1]s)`, cond)
	var total int
	countArgs := append(append([]interface{}{}, args...), args...)
	if err := r.ro.QueryRowContext(ctx, r.ro.Rebind(count), countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	// UNION ALL keeps both kinds in one ordered page. The kind column
	// is synthesized so scan can route steps back to the right model.
	query := fmt.Sprintf(`
		SELECT * FROM (
			%[1]s tasks %[2]s
			UNION ALL
			%[3]s pc_tasks %[2]s
		) AS combined ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		taskSelectWithKind(device.KindPhone), cond, taskSelectWithKind(device.KindPC))

	listArgs := append(append(append([]interface{}{}, args...), args...), q.Limit, q.Offset)
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTaskWithKind(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func taskSelectWithKind(kind device.Kind) string {
	return fmt.Sprintf(`SELECT id, instruction, device_id, status, priority, kernel, mode, model_config,
		result, error, steps, prompt_tokens, completion_tokens, total_tokens,
		memory, created_at, started_at, completed_at, updated_at, '%s' AS kind FROM`, kind)
}

// FailInterrupted marks every non-terminal task as failed. Called once
// at boot: tasks that were pending, running or waiting when the
// previous process died cannot be resumed because their device session
// and kernel state are gone.
func (r *Repository) FailInterrupted(ctx context.Context, reason string) (int64, error) {
	now := time.Now().UTC()
	var total int64
	for _, table := range []string{"tasks", "pc_tasks"} {
		query := fmt.Sprintf(`
			UPDATE %s SET status = ?, error = ?, completed_at = ?, updated_at = ?
			WHERE status IN (?, ?, ?)`, table)
		res, err := r.db.ExecContext(ctx, r.db.Rebind(query),
			string(v1.TaskStatusFailed), reason, now, now,
			string(v1.TaskStatusPending), string(v1.TaskStatusRunning), string(v1.TaskStatusWaitingForUser))
		if err != nil {
			return total, fmt.Errorf("fail interrupted in %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		r.log.Warn("marked interrupted tasks as failed",
			zap.Int64("count", total),
			zap.String("reason", reason))
	}
	return total, nil
}

// UpsertDevice mirrors a registry record into the durable store so
// names and counters survive restarts.
func (r *Repository) UpsertDevice(ctx context.Context, d *device.Device) error {
	specs, err := json.Marshal(d.Specs)
	if err != nil {
		return fmt.Errorf("marshal specs: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, kind, port, status, specs, total_tasks, success_tasks, failed_tasks,
			last_heartbeat, registered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			port = excluded.port,
			status = excluded.status,
			specs = excluded.specs,
			total_tasks = excluded.total_tasks,
			success_tasks = excluded.success_tasks,
			failed_tasks = excluded.failed_tasks,
			last_heartbeat = excluded.last_heartbeat,
			updated_at = excluded.updated_at
	`, deviceTable(d.Kind))

	var hb sql.NullTime
	if !d.LastHeartbeat.IsZero() {
		hb = sql.NullTime{Time: d.LastHeartbeat, Valid: true}
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(query),
		d.ID, d.Name, string(d.Kind), d.Port, string(d.Status), string(specs),
		d.TotalTasks, d.SuccessTasks, d.FailedTasks, hb, d.RegisteredAt, d.UpdatedAt)
	return err
}

// ListDevices loads every known device from both tables. Used at boot
// to restore the registry; all rows come back offline since no channel
// is up yet.
func (r *Repository) ListDevices(ctx context.Context) ([]*device.Device, error) {
	var out []*device.Device
	for _, kind := range []device.Kind{device.KindPhone, device.KindPC} {
		query := fmt.Sprintf(`SELECT id, name, kind, port, status, specs, total_tasks, success_tasks,
			failed_tasks, last_heartbeat, registered_at, updated_at FROM %s ORDER BY port`, deviceTable(kind))
		rows, err := r.ro.QueryContext(ctx, query)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			d, err := scanDevice(rows)
			if err != nil {
				_ = rows.Close()
				return nil, err
			}
			out = append(out, d)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return out, nil
}

// ModelCall is one LLM round-trip, recorded for cost accounting.
type ModelCall struct {
	TaskID           string
	DeviceID         string
	Model            string
	StepIndex        int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	DurationMS       int64
	CreatedAt        time.Time
}

// RecordModelCall appends one usage row. The ledger is append-only.
func (r *Repository) RecordModelCall(ctx context.Context, c *ModelCall) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO model_calls (task_id, device_id, model, step_index, prompt_tokens,
			completion_tokens, total_tokens, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), c.TaskID, c.DeviceID, c.Model, c.StepIndex, c.PromptTokens,
		c.CompletionTokens, c.TotalTokens, c.DurationMS, c.CreatedAt)
	return err
}

// TaskUsage aggregates the ledger for one task.
func (r *Repository) TaskUsage(ctx context.Context, taskID string) (v1.TokenUsage, int, error) {
	var usage v1.TokenUsage
	var calls int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0), COALESCE(SUM(total_tokens), 0)
		FROM model_calls WHERE task_id = ?
	`), taskID).Scan(&calls, &usage.PromptTokens, &usage.CompletionTokens, &usage.TotalTokens)
	return usage, calls, err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func scanTask(scanner interface{ Scan(dest ...any) error }, kind device.Kind) (*models.Task, error) {
	t := &models.Task{DeviceKind: kind}
	var status, steps string
	var modelConfig, memory sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := scanner.Scan(
		&t.ID, &t.Instruction, &t.DeviceID, &status, &t.Priority, &t.Kernel, &t.Mode, &modelConfig,
		&t.Result, &t.Error, &steps,
		&t.Tokens.PromptTokens, &t.Tokens.CompletionTokens, &t.Tokens.TotalTokens,
		&memory, &t.CreatedAt, &startedAt, &completedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	finishTask(t, status, steps, modelConfig, memory, startedAt, completedAt)
	return t, nil
}

func scanTaskWithKind(scanner interface{ Scan(dest ...any) error }) (*models.Task, error) {
	t := &models.Task{}
	var status, steps, kind string
	var modelConfig, memory sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := scanner.Scan(
		&t.ID, &t.Instruction, &t.DeviceID, &status, &t.Priority, &t.Kernel, &t.Mode, &modelConfig,
		&t.Result, &t.Error, &steps,
		&t.Tokens.PromptTokens, &t.Tokens.CompletionTokens, &t.Tokens.TotalTokens,
		&memory, &t.CreatedAt, &startedAt, &completedAt, &t.UpdatedAt, &kind,
	); err != nil {
		return nil, err
	}
	t.DeviceKind = device.Kind(kind)
	finishTask(t, status, steps, modelConfig, memory, startedAt, completedAt)
	return t, nil
}

func finishTask(t *models.Task, status, steps string, modelConfig, memory sql.NullString, startedAt, completedAt sql.NullTime) {
	t.Status = v1.TaskStatus(status)
	if steps != "" && steps != "[]" {
		_ = json.Unmarshal([]byte(steps), &t.Steps)
	}
	if modelConfig.Valid && modelConfig.String != "" {
		var mc models.ModelConfig
		if json.Unmarshal([]byte(modelConfig.String), &mc) == nil {
			t.Model = &mc
		}
	}
	if memory.Valid && memory.String != "" {
		_ = json.Unmarshal([]byte(memory.String), &t.Memory)
	}
	if startedAt.Valid {
		st := startedAt.Time
		t.StartedAt = &st
	}
	if completedAt.Valid {
		ct := completedAt.Time
		t.CompletedAt = &ct
	}
}

func scanDevice(scanner interface{ Scan(dest ...any) error }) (*device.Device, error) {
	d := &device.Device{}
	var kind, status, specs string
	var hb sql.NullTime
	if err := scanner.Scan(
		&d.ID, &d.Name, &kind, &d.Port, &status, &specs,
		&d.TotalTasks, &d.SuccessTasks, &d.FailedTasks, &hb, &d.RegisteredAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	d.Kind = device.Kind(kind)
	d.Status = device.Status(status)
	_ = json.Unmarshal([]byte(specs), &d.Specs)
	if hb.Valid {
		d.LastHeartbeat = hb.Time
	}
	return d, nil
}
