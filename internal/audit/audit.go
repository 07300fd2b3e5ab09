// Package audit appends a per-task JSONL trail of everything that
// happened to a task: creation, status changes, steps, questions and
// answers, exports. The file lives in the task's screenshot directory
// so a task export carries its own audit trail.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/logger"
)

// Record kinds.
const (
	KindTaskCreated   = "task_created"
	KindTaskStatus    = "task_status"
	KindStep          = "step"
	KindAskUser       = "ask_user"
	KindAnswer        = "answer"
	KindExport        = "export"
	KindDeviceCommand = "device_command"
)

// Record is one audit line.
type Record struct {
	Time   time.Time              `json:"ts"`
	Kind   string                 `json:"kind"`
	TaskID string                 `json:"task_id"`
	Data   map[string]interface{} `json:"data,omitempty"`
}

// Trail writes audit records. Files are opened lazily on the first
// record for a task and closed when the task finishes. Failures are
// logged, never surfaced: the audit trail must not break task flow.
type Trail struct {
	root string
	log  *logger.Logger

	mu    sync.Mutex
	files map[string]*os.File
}

// New creates a Trail rooted at the screenshot store directory.
func New(root string, log *logger.Logger) *Trail {
	return &Trail{
		root:  root,
		log:   log.WithComponent("audit"),
		files: make(map[string]*os.File),
	}
}

// Record appends one line to the task's trail. Appends are unbuffered
// so each record is durable as soon as the call returns.
func (t *Trail) Record(taskID, kind string, data map[string]interface{}) {
	line, err := json.Marshal(Record{
		Time:   time.Now().UTC(),
		Kind:   kind,
		TaskID: taskID,
		Data:   data,
	})
	if err != nil {
		t.log.Error("marshal audit record", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	line = append(line, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := t.file(taskID)
	if err != nil {
		t.log.Error("open audit file", zap.String("task_id", taskID), zap.Error(err))
		return
	}
	if _, err := f.Write(line); err != nil {
		t.log.Error("append audit record", zap.String("task_id", taskID), zap.Error(err))
	}
}

// file returns the open handle for a task, creating it on first use.
// Callers hold t.mu.
func (t *Trail) file(taskID string) (*os.File, error) {
	if f, ok := t.files[taskID]; ok {
		return f, nil
	}
	dir := filepath.Join(t.root, "tasks", taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	t.files[taskID] = f
	return f, nil
}

// CloseTask releases the task's file handle. Later records reopen it;
// the file itself is append-only either way.
func (t *Trail) CloseTask(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.files[taskID]; ok {
		_ = f.Close()
		delete(t.files, taskID)
	}
}

// Close releases every open handle.
func (t *Trail) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, f := range t.files {
		_ = f.Close()
		delete(t.files, id)
	}
}

// Path returns the trail location for a task.
func (t *Trail) Path(taskID string) string {
	return filepath.Join(t.root, "tasks", taskID, "audit.jsonl")
}
