// Package handlers exposes the device fleet over HTTP: listing with
// live-derived status and an opaque command passthrough onto the
// device's data channel.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/audit"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/device"
	"github.com/autofleet/autofleet/internal/device/channel"
	"github.com/autofleet/autofleet/internal/device/registry"
	v1 "github.com/autofleet/autofleet/pkg/api/v1"
)

// ChannelProvider hands out the data-plane channel for a device.
type ChannelProvider interface {
	ForDevice(port int, kind device.Kind) channel.Channel
}

type DeviceHandlers struct {
	registry *registry.Registry
	channels ChannelProvider
	trail    *audit.Trail
	logger   *logger.Logger
}

func NewDeviceHandlers(reg *registry.Registry, channels ChannelProvider, trail *audit.Trail, log *logger.Logger) *DeviceHandlers {
	return &DeviceHandlers{
		registry: reg,
		channels: channels,
		trail:    trail,
		logger:   log.WithFields(zap.String("component", "device-handlers")),
	}
}

func RegisterDeviceRoutes(router *gin.Engine, reg *registry.Registry, channels ChannelProvider, trail *audit.Trail, log *logger.Logger) {
	h := NewDeviceHandlers(reg, channels, trail, log)
	router.GET("/devices", h.listDevices)
	router.GET("/devices/:id", h.getDevice)
	router.POST("/devices/:id/command", h.runCommand)
}

func (h *DeviceHandlers) listDevices(c *gin.Context) {
	devices := h.registry.List()
	out := make([]v1.Device, 0, len(devices))
	for _, d := range devices {
		out = append(out, *d.ToAPI())
	}
	c.JSON(http.StatusOK, v1.DeviceList{Devices: out, Total: len(out)})
}

func (h *DeviceHandlers) getDevice(c *gin.Context) {
	d, err := h.registry.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		h.logger.Error("device lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
		return
	}
	c.JSON(http.StatusOK, d.ToAPI())
}

// runCommand forwards an arbitrary command over the device's channel.
// The server does not interpret the command; failures from the device
// come back in-band so the caller can tell a device error from an API
// error.
func (h *DeviceHandlers) runCommand(c *gin.Context) {
	d, err := h.registry.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
			return
		}
		h.logger.Error("device lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
		return
	}

	var req v1.DeviceCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Command == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	ch := h.channels.ForDevice(d.Port, d.Kind)
	if ch == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device has no data channel"})
		return
	}

	output, err := ch.Command(c.Request.Context(), req.Command, req.Args)

	// Commands issued against a device mid-task land in that task's
	// audit trail.
	if d.CurrentTaskID != "" {
		h.trail.Record(d.CurrentTaskID, audit.KindDeviceCommand, map[string]interface{}{
			"device_id": d.ID,
			"command":   req.Command,
			"success":   err == nil,
		})
	}

	if err != nil {
		h.logger.Warn("device command failed",
			zap.String("device_id", d.ID),
			zap.String("command", req.Command),
			zap.Error(err))
		c.JSON(http.StatusOK, v1.DeviceCommandResponse{Success: false, Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, v1.DeviceCommandResponse{Success: true, Output: output})
}
