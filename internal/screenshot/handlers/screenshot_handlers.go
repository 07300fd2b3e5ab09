// Package handlers serves stored task artifacts: per-task summaries,
// step screenshots in any stored rendition and gzip archive exports.
package handlers

import (
	"errors"
	"io/fs"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/audit"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/screenshot"
)

type ScreenshotHandlers struct {
	store  *screenshot.Store
	trail  *audit.Trail
	logger *logger.Logger
}

func NewScreenshotHandlers(store *screenshot.Store, trail *audit.Trail, log *logger.Logger) *ScreenshotHandlers {
	return &ScreenshotHandlers{
		store:  store,
		trail:  trail,
		logger: log.WithFields(zap.String("component", "screenshot-handlers")),
	}
}

func RegisterScreenshotRoutes(router *gin.Engine, store *screenshot.Store, trail *audit.Trail, log *logger.Logger) {
	h := NewScreenshotHandlers(store, trail, log)
	router.GET("/screenshots/task/:id/summary", h.getSummary)
	router.GET("/screenshots/task/:id/step/:n/image", h.getStepImage)
	router.POST("/screenshots/task/:id/export", h.exportTask)
}

func (h *ScreenshotHandlers) getSummary(c *gin.Context) {
	sum, err := h.store.Summary(c.Param("id"))
	if err != nil {
		h.respondStoreError(c, err, "task has no stored summary")
		return
	}
	c.JSON(http.StatusOK, sum)
}

// getStepImage serves one step's screenshot. The requested rendition
// degrades to the nearest stored one; ?thumb=true is shorthand for
// size=thumb.
func (h *ScreenshotHandlers) getStepImage(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("n"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid step index"})
		return
	}

	size, err := screenshot.ParseSize(c.Query("size"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if t := c.Query("thumb"); t == "true" || t == "1" {
		size = screenshot.SizeThumb
	}

	data, contentType, err := h.store.Image(c.Param("id"), index, size)
	if err != nil {
		h.respondStoreError(c, err, "screenshot not found")
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

// exportTask packs the task's artifact directory into a tarball and
// streams it back as a download.
func (h *ScreenshotHandlers) exportTask(c *gin.Context) {
	taskID := c.Param("id")
	path, err := h.store.Export(taskID)
	if err != nil {
		h.respondStoreError(c, err, "task has no stored artifacts")
		return
	}

	name := filepath.Base(path)
	h.trail.Record(taskID, audit.KindExport, map[string]interface{}{"archive": name})
	h.logger.Info("task exported",
		zap.String("task_id", taskID),
		zap.String("archive", name))
	c.FileAttachment(path, name)
}

func (h *ScreenshotHandlers) respondStoreError(c *gin.Context, err error, fallback string) {
	if errors.Is(err, fs.ErrNotExist) {
		c.JSON(http.StatusNotFound, gin.H{"error": fallback})
		return
	}
	h.logger.Error("artifact read failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
}
