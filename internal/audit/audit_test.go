package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autofleet/autofleet/internal/common/logger"
)

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestRecordAppendsJSONL(t *testing.T) {
	trail := New(t.TempDir(), logger.Default())
	defer trail.Close()

	trail.Record("task-1", KindTaskCreated, map[string]interface{}{"instruction": "open settings"})
	trail.Record("task-1", KindStep, map[string]interface{}{"index": 1, "action": "tap"})
	trail.Record("task-1", KindTaskStatus, map[string]interface{}{"status": "completed"})

	records := readRecords(t, trail.Path("task-1"))
	require.Len(t, records, 3)
	assert.Equal(t, KindTaskCreated, records[0].Kind)
	assert.Equal(t, "open settings", records[0].Data["instruction"])
	assert.Equal(t, KindStep, records[1].Kind)
	assert.Equal(t, float64(1), records[1].Data["index"])
	assert.Equal(t, KindTaskStatus, records[2].Kind)
	for _, rec := range records {
		assert.Equal(t, "task-1", rec.TaskID)
		assert.False(t, rec.Time.IsZero())
	}
}

func TestTasksGetSeparateFiles(t *testing.T) {
	trail := New(t.TempDir(), logger.Default())
	defer trail.Close()

	trail.Record("task-a", KindTaskCreated, nil)
	trail.Record("task-b", KindTaskCreated, nil)

	assert.Len(t, readRecords(t, trail.Path("task-a")), 1)
	assert.Len(t, readRecords(t, trail.Path("task-b")), 1)
}

func TestCloseTaskReopensOnNextRecord(t *testing.T) {
	trail := New(t.TempDir(), logger.Default())
	defer trail.Close()

	trail.Record("task-1", KindTaskCreated, nil)
	trail.CloseTask("task-1")
	trail.Record("task-1", KindExport, map[string]interface{}{"archive": "x.tar.gz"})

	records := readRecords(t, trail.Path("task-1"))
	require.Len(t, records, 2)
	assert.Equal(t, KindExport, records[1].Kind)
}

func TestConcurrentRecords(t *testing.T) {
	trail := New(t.TempDir(), logger.Default())
	defer trail.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			trail.Record("task-1", KindStep, map[string]interface{}{"index": n})
		}(i)
	}
	wg.Wait()

	records := readRecords(t, trail.Path("task-1"))
	assert.Len(t, records, 20)
}
