// Package screenshot persists step captures and their derived sizes.
//
// Layout under the store root:
//
//	tasks/<task_id>/task_info.json
//	tasks/<task_id>/summary.json
//	tasks/<task_id>/steps/step_001_original.png
//	tasks/<task_id>/steps/step_001_{ai,medium,small,thumb}.jpg
//	tasks/<task_id>/steps/step_001.json
//	devices/<device_id>/<task_id>.json
//	cache/<task_id>_<unix>.tar.gz
//
// Originals are written synchronously; the four derived sizes are
// produced by a worker pool so the step loop never blocks on JPEG
// encoding. All writes go through tmp+rename.
package screenshot

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // screenshot originals arrive as PNG
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	xdraw "golang.org/x/image/draw"

	"github.com/autofleet/autofleet/internal/common/config"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/metrics"
	v1 "github.com/autofleet/autofleet/pkg/api/v1"
)

// Size names one stored rendition of a capture.
type Size string

const (
	SizeOriginal Size = "original"
	SizeAI       Size = "ai"
	SizeMedium   Size = "medium"
	SizeSmall    Size = "small"
	SizeThumb    Size = "thumb"
)

// variant is one derived rendition. Dimensions are a bounding box; the
// source aspect ratio is preserved, so a portrait phone frame scaled
// into the 1280x720 "ai" box comes out 324x720.
type variant struct {
	size    Size
	maxW    int
	maxH    int
	quality int
}

var variants = [4]variant{
	{SizeAI, 1280, 720, 85},
	{SizeMedium, 960, 540, 80},
	{SizeSmall, 640, 360, 75},
	{SizeThumb, 320, 180, 70},
}

// fallbacks is the read-time degradation chain: a missing rendition is
// served from the next smaller one, and when nothing derived exists
// the original goes out.
var fallbacks = map[Size][]Size{
	SizeAI:     {SizeAI, SizeMedium, SizeSmall, SizeThumb},
	SizeMedium: {SizeMedium, SizeSmall, SizeThumb},
	SizeSmall:  {SizeSmall, SizeThumb},
	SizeThumb:  {SizeThumb},
}

// ParseSize resolves a query-string size name; "thumbnail" is accepted
// as an alias for thumb. Empty means original.
func ParseSize(s string) (Size, error) {
	switch s {
	case "", "original":
		return SizeOriginal, nil
	case "ai":
		return SizeAI, nil
	case "medium":
		return SizeMedium, nil
	case "small":
		return SizeSmall, nil
	case "thumb", "thumbnail":
		return SizeThumb, nil
	}
	return "", fmt.Errorf("unknown screenshot size %q", s)
}

// StepMeta is the per-step sidecar record; the store fills Hash,
// ByteSize, Screenshots and CapturedAt on save.
type StepMeta struct {
	TaskID      string                 `json:"task_id"`
	Index       int                    `json:"index"`
	Kind        string                 `json:"kind"`
	Thinking    string                 `json:"thinking,omitempty"`
	Action      map[string]interface{} `json:"action,omitempty"`
	Observation string                 `json:"observation,omitempty"`
	Success     bool                   `json:"success"`
	Mode        string                 `json:"mode,omitempty"`
	Tokens      v1.TokenUsage          `json:"tokens"`
	Hash        string                 `json:"hash,omitempty"`
	ByteSize    int                    `json:"byte_size,omitempty"`
	Screenshots v1.ScreenshotRefs      `json:"screenshots"`
	CapturedAt  time.Time              `json:"captured_at"`
}

// TaskInfo is written once when a task directory is created.
type TaskInfo struct {
	TaskID      string    `json:"task_id"`
	DeviceID    string    `json:"device_id,omitempty"`
	DeviceKind  string    `json:"device_kind,omitempty"`
	Instruction string    `json:"instruction"`
	Kernel      string    `json:"kernel,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type job struct {
	dir   string
	index int
	png   []byte
}

// Store is the filesystem-backed screenshot repository.
type Store struct {
	root string
	log  *logger.Logger
	m    *metrics.Metrics

	jobs    chan job
	workers sync.WaitGroup
	pending sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	lastHash map[string]string
	lastRefs map[string]v1.ScreenshotRefs
}

// NewStore creates the directory layout and starts the compression
// pool.
func NewStore(cfg config.ScreenshotsConfig, m *metrics.Metrics, log *logger.Logger) (*Store, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve screenshot root: %w", err)
	}
	for _, dir := range []string{root, filepath.Join(root, "tasks"), filepath.Join(root, "devices"), filepath.Join(root, "cache")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create screenshot dir: %w", err)
		}
	}

	s := &Store{
		root:     root,
		log:      log.WithComponent("screenshot"),
		m:        m,
		jobs:     make(chan job, 256),
		lastHash: make(map[string]string),
		lastRefs: make(map[string]v1.ScreenshotRefs),
	}
	for i := 0; i < cfg.WorkerCount(); i++ {
		s.workers.Add(1)
		go s.worker()
	}
	return s, nil
}

// Root returns the absolute store root.
func (s *Store) Root() string { return s.root }

func (s *Store) worker() {
	defer s.workers.Done()
	for j := range s.jobs {
		s.setQueueDepth()
		s.compress(j)
		s.pending.Done()
	}
}

func (s *Store) setQueueDepth() {
	if s.m != nil {
		s.m.ScreenshotQueueDepth.Set(float64(len(s.jobs)))
	}
}

// Stop drains the queue and stops the workers. Saves arriving after
// Stop are compressed synchronously.
func (s *Store) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.pending.Wait()
	close(s.jobs)
	s.workers.Wait()
}

func (s *Store) taskDir(taskID string) string {
	return filepath.Join(s.root, "tasks", taskID)
}

func stepBase(index int) string {
	return fmt.Sprintf("step_%03d", index)
}

func refsFor(taskID string, index int) v1.ScreenshotRefs {
	rel := func(name string) string {
		return filepath.ToSlash(filepath.Join("tasks", taskID, "steps", name))
	}
	base := stepBase(index)
	return v1.ScreenshotRefs{
		Original:  rel(base + "_original.png"),
		AI:        rel(base + "_ai.jpg"),
		Medium:    rel(base + "_medium.jpg"),
		Small:     rel(base + "_small.jpg"),
		Thumbnail: rel(base + "_thumb.jpg"),
	}
}

// SaveStep persists the original capture, queues compression, and
// writes the step sidecar. Identical consecutive frames are detected
// by content hash and reuse the previous step's files.
func (s *Store) SaveStep(taskID string, pngData []byte, meta StepMeta) (v1.ScreenshotRefs, error) {
	stepsDir := filepath.Join(s.taskDir(taskID), "steps")
	if err := os.MkdirAll(stepsDir, 0o755); err != nil {
		return v1.ScreenshotRefs{}, fmt.Errorf("create steps dir: %w", err)
	}

	sum := sha256.Sum256(pngData)
	hash := hex.EncodeToString(sum[:])

	s.mu.Lock()
	dedup := s.lastHash[taskID] == hash
	var refs v1.ScreenshotRefs
	if dedup {
		refs = s.lastRefs[taskID]
	} else {
		refs = refsFor(taskID, meta.Index)
		s.lastHash[taskID] = hash
		s.lastRefs[taskID] = refs
	}
	s.mu.Unlock()

	if !dedup {
		original := filepath.Join(stepsDir, stepBase(meta.Index)+"_original.png")
		if err := writeFileAtomic(original, pngData); err != nil {
			return v1.ScreenshotRefs{}, fmt.Errorf("write original: %w", err)
		}
		s.enqueue(job{dir: stepsDir, index: meta.Index, png: pngData})
	}

	meta.TaskID = taskID
	meta.Hash = hash
	meta.ByteSize = len(pngData)
	meta.Screenshots = refs
	if meta.CapturedAt.IsZero() {
		meta.CapturedAt = time.Now().UTC()
	}
	if err := s.writeJSON(filepath.Join(stepsDir, stepBase(meta.Index)+".json"), meta); err != nil {
		return refs, err
	}
	return refs, nil
}

// SaveStepMeta writes the sidecar for a step without a capture
// (preprocessing steps carry no screenshot).
func (s *Store) SaveStepMeta(taskID string, meta StepMeta) error {
	stepsDir := filepath.Join(s.taskDir(taskID), "steps")
	if err := os.MkdirAll(stepsDir, 0o755); err != nil {
		return fmt.Errorf("create steps dir: %w", err)
	}
	meta.TaskID = taskID
	if meta.CapturedAt.IsZero() {
		meta.CapturedAt = time.Now().UTC()
	}
	return s.writeJSON(filepath.Join(stepsDir, stepBase(meta.Index)+".json"), meta)
}

func (s *Store) enqueue(j job) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.compress(j)
		return
	}
	s.pending.Add(1)
	s.mu.Unlock()

	select {
	case s.jobs <- j:
		s.setQueueDepth()
	default:
		// Pool saturated: compress on the caller so the queue stays
		// bounded.
		s.log.Warn("compression queue full, running inline", zap.Int("step", j.index))
		s.compress(j)
		s.pending.Done()
	}
}

func (s *Store) compress(j job) {
	src, _, err := image.Decode(bytes.NewReader(j.png))
	if err != nil {
		s.log.Error("decode screenshot", zap.Int("step", j.index), zap.Error(err))
		return
	}
	for _, v := range variants {
		w, h := fitWithin(src.Bounds().Dx(), src.Bounds().Dy(), v.maxW, v.maxH)
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: v.quality}); err != nil {
			s.log.Error("encode screenshot", zap.String("size", string(v.size)), zap.Error(err))
			continue
		}
		name := filepath.Join(j.dir, fmt.Sprintf("%s_%s.jpg", stepBase(j.index), v.size))
		if err := writeFileAtomic(name, buf.Bytes()); err != nil {
			s.log.Error("write screenshot", zap.String("size", string(v.size)), zap.Error(err))
		}
	}
}

// fitWithin scales (w, h) to fit the box preserving aspect ratio.
// Frames already inside the box keep their dimensions.
func fitWithin(w, h, maxW, maxH int) (int, int) {
	if w <= 0 || h <= 0 {
		return 1, 1
	}
	if w <= maxW && h <= maxH {
		return w, h
	}
	scaleW := float64(maxW) / float64(w)
	scaleH := float64(maxH) / float64(h)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}
	outW := int(float64(w)*scale + 0.5)
	outH := int(float64(h)*scale + 0.5)
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}
	return outW, outH
}

// WriteTaskInfo creates the task directory, its info file and the
// device manifest entry.
func (s *Store) WriteTaskInfo(info TaskInfo) error {
	dir := s.taskDir(info.TaskID)
	if err := os.MkdirAll(filepath.Join(dir, "steps"), 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now().UTC()
	}
	if err := s.writeJSON(filepath.Join(dir, "task_info.json"), info); err != nil {
		return err
	}
	if info.DeviceID == "" {
		return nil
	}
	deviceDir := filepath.Join(s.root, "devices", info.DeviceID)
	if err := os.MkdirAll(deviceDir, 0o755); err != nil {
		return fmt.Errorf("create device dir: %w", err)
	}
	manifest := map[string]interface{}{
		"task_id":   info.TaskID,
		"path":      filepath.ToSlash(filepath.Join("tasks", info.TaskID)),
		"linked_at": time.Now().UTC(),
	}
	return s.writeJSON(filepath.Join(deviceDir, info.TaskID+".json"), manifest)
}

// WriteSummary persists the terminal digest and drops the task's dedup
// state.
func (s *Store) WriteSummary(sum *v1.TaskSummary) error {
	dir := s.taskDir(sum.TaskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create task dir: %w", err)
	}
	s.mu.Lock()
	delete(s.lastHash, sum.TaskID)
	delete(s.lastRefs, sum.TaskID)
	s.mu.Unlock()
	return s.writeJSON(filepath.Join(dir, "summary.json"), sum)
}

// Summary loads a persisted terminal digest.
func (s *Store) Summary(taskID string) (*v1.TaskSummary, error) {
	data, err := os.ReadFile(filepath.Join(s.taskDir(taskID), "summary.json"))
	if err != nil {
		return nil, err
	}
	var sum v1.TaskSummary
	if err := json.Unmarshal(data, &sum); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &sum, nil
}

// Image returns the stored rendition closest to the requested size,
// degrading to smaller renditions and finally the original. The second
// return is the content type.
func (s *Store) Image(taskID string, index int, size Size) ([]byte, string, error) {
	stepsDir := filepath.Join(s.taskDir(taskID), "steps")
	base := stepBase(index)

	if size != SizeOriginal {
		for _, candidate := range fallbacks[size] {
			data, err := os.ReadFile(filepath.Join(stepsDir, fmt.Sprintf("%s_%s.jpg", base, candidate)))
			if err == nil {
				return data, "image/jpeg", nil
			}
			if !os.IsNotExist(err) {
				return nil, "", err
			}
		}
	}

	data, err := os.ReadFile(filepath.Join(stepsDir, base+"_original.png"))
	if err != nil {
		return nil, "", err
	}
	return data, "image/png", nil
}

// StepMetaFor loads one step sidecar.
func (s *Store) StepMetaFor(taskID string, index int) (*StepMeta, error) {
	data, err := os.ReadFile(filepath.Join(s.taskDir(taskID), "steps", stepBase(index)+".json"))
	if err != nil {
		return nil, err
	}
	var meta StepMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode step meta: %w", err)
	}
	return &meta, nil
}

// Export packs the task directory into a gzip tarball under cache/ and
// returns its absolute path.
func (s *Store) Export(taskID string) (string, error) {
	dir := s.taskDir(taskID)
	if _, err := os.Stat(dir); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s_%d.tar.gz", taskID, time.Now().Unix())
	dest := filepath.Join(s.root, "cache", name)
	tmp := dest + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create export: %w", err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, src)
		_ = src.Close()
		return err
	})

	for _, closeErr := range []error{tw.Close(), gz.Close(), f.Close()} {
		if walkErr == nil {
			walkErr = closeErr
		}
	}
	if walkErr != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("export task %s: %w", taskID, walkErr)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return dest, nil
}

func (s *Store) writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes via a temp file in the same directory and
// renames over the destination.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(tmp.Name())
		if writeErr != nil {
			return writeErr
		}
		return closeErr
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}
