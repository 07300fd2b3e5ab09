package handlers

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autofleet/autofleet/internal/audit"
	"github.com/autofleet/autofleet/internal/common/config"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/metrics"
	"github.com/autofleet/autofleet/internal/screenshot"
	v1 "github.com/autofleet/autofleet/pkg/api/v1"
)

type artifactEnv struct {
	router *gin.Engine
	store  *screenshot.Store
	trail  *audit.Trail
}

func newArtifactEnv(t *testing.T) *artifactEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	root := t.TempDir()
	store, err := screenshot.NewStore(config.ScreenshotsConfig{
		Root:    root,
		Workers: 1,
	}, metrics.New(prometheus.NewRegistry()), log)
	require.NoError(t, err)
	t.Cleanup(store.Stop)

	trail := audit.New(root, log)
	t.Cleanup(trail.Close)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterScreenshotRoutes(router, store, trail, log)
	return &artifactEnv{router: router, store: store, trail: trail}
}

func (e *artifactEnv) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)
	return resp
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 80, 120))
	for y := 0; y < 120; y++ {
		for x := 0; x < 80; x++ {
			img.Set(x, y, color.RGBA{R: uint8(2 * x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func (e *artifactEnv) seedStep(t *testing.T, taskID string, index int) []byte {
	t.Helper()
	data := testPNG(t)
	_, err := e.store.SaveStep(taskID, data, screenshot.StepMeta{
		Index:   index,
		Kind:    "action",
		Success: true,
	})
	require.NoError(t, err)
	return data
}

func TestSummaryServed(t *testing.T) {
	env := newArtifactEnv(t)
	done := time.Now().UTC()
	require.NoError(t, env.store.WriteSummary(&v1.TaskSummary{
		TaskID:      "task_sum",
		Instruction: "打开设置",
		Status:      v1.TaskStatusCompleted,
		StepCount:   2,
		CompletedAt: &done,
	}))

	resp := env.do(t, http.MethodGet, "/screenshots/task/task_sum/summary")
	require.Equal(t, http.StatusOK, resp.Code)

	var sum v1.TaskSummary
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &sum))
	assert.Equal(t, "task_sum", sum.TaskID)
	assert.Equal(t, "打开设置", sum.Instruction)
	assert.Equal(t, v1.TaskStatusCompleted, sum.Status)
	assert.Equal(t, 2, sum.StepCount)
}

func TestSummaryMissing(t *testing.T) {
	env := newArtifactEnv(t)

	resp := env.do(t, http.MethodGet, "/screenshots/task/task_nope/summary")
	require.Equal(t, http.StatusNotFound, resp.Code)
	assert.Contains(t, resp.Body.String(), "no stored summary")
}

func TestStepImageOriginal(t *testing.T) {
	env := newArtifactEnv(t)
	data := env.seedStep(t, "task_img", 0)

	resp := env.do(t, http.MethodGet, "/screenshots/task/task_img/step/0/image?size=original")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "image/png", resp.Header().Get("Content-Type"))
	assert.Equal(t, data, resp.Body.Bytes())
}

func TestStepImageRenditions(t *testing.T) {
	env := newArtifactEnv(t)
	env.seedStep(t, "task_img", 3)

	// The compression worker runs asynchronously; poll until the jpeg
	// renditions land.
	require.Eventually(t, func() bool {
		resp := env.do(t, http.MethodGet, "/screenshots/task/task_img/step/3/image?size=ai")
		return resp.Code == http.StatusOK &&
			resp.Header().Get("Content-Type") == "image/jpeg"
	}, 5*time.Second, 20*time.Millisecond)

	resp := env.do(t, http.MethodGet, "/screenshots/task/task_img/step/3/image?thumb=true")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "image/jpeg", resp.Header().Get("Content-Type"))

	resp = env.do(t, http.MethodGet, "/screenshots/task/task_img/step/3/image?size=thumbnail")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "image/jpeg", resp.Header().Get("Content-Type"))
}

func TestStepImageDegradesToStoredRendition(t *testing.T) {
	env := newArtifactEnv(t)

	// Only a small rendition exists; an ai request walks the chain
	// down to it.
	stepsDir := filepath.Join(env.store.Root(), "tasks", "task_deg", "steps")
	require.NoError(t, os.MkdirAll(stepsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stepsDir, "step_000_small.jpg"), []byte("jpegbytes"), 0o644))

	resp := env.do(t, http.MethodGet, "/screenshots/task/task_deg/step/0/image?size=ai")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "image/jpeg", resp.Header().Get("Content-Type"))
	assert.Equal(t, "jpegbytes", resp.Body.String())
}

func TestStepImageMissing(t *testing.T) {
	env := newArtifactEnv(t)

	resp := env.do(t, http.MethodGet, "/screenshots/task/task_nope/step/0/image")
	require.Equal(t, http.StatusNotFound, resp.Code)
	assert.Contains(t, resp.Body.String(), "screenshot not found")
}

func TestStepImageBadRequests(t *testing.T) {
	env := newArtifactEnv(t)

	resp := env.do(t, http.MethodGet, "/screenshots/task/task_x/step/abc/image")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.do(t, http.MethodGet, "/screenshots/task/task_x/step/-1/image")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = env.do(t, http.MethodGet, "/screenshots/task/task_x/step/0/image?size=giant")
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "unknown screenshot size")
}

func TestExportDownload(t *testing.T) {
	env := newArtifactEnv(t)
	env.seedStep(t, "task_exp", 0)
	require.NoError(t, env.store.WriteSummary(&v1.TaskSummary{
		TaskID:      "task_exp",
		Instruction: "export me",
		Status:      v1.TaskStatusCompleted,
	}))

	resp := env.do(t, http.MethodPost, "/screenshots/task/task_exp/export")
	require.Equal(t, http.StatusOK, resp.Code)

	disposition := resp.Header().Get("Content-Disposition")
	assert.Contains(t, disposition, "attachment")
	assert.Contains(t, disposition, ".tar.gz")

	// Gzip magic bytes.
	body := resp.Body.Bytes()
	require.Greater(t, len(body), 2)
	assert.Equal(t, byte(0x1f), body[0])
	assert.Equal(t, byte(0x8b), body[1])

	// The export lands in the task's audit trail.
	raw, err := os.ReadFile(env.trail.Path("task_exp"))
	require.NoError(t, err)
	var rec audit.Record
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &rec))
	assert.Equal(t, audit.KindExport, rec.Kind)
	assert.Contains(t, rec.Data["archive"], "task_exp_")
}

func TestExportUnknownTask(t *testing.T) {
	env := newArtifactEnv(t)

	resp := env.do(t, http.MethodPost, "/screenshots/task/task_nope/export")
	require.Equal(t, http.StatusNotFound, resp.Code)
	assert.Contains(t, resp.Body.String(), "no stored artifacts")
}
