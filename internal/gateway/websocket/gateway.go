// Package websocket terminates device control sockets: registration,
// heartbeats and informational traffic from phones and PCs.
package websocket

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/config"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/device"
	"github.com/autofleet/autofleet/internal/device/allocator"
	"github.com/autofleet/autofleet/internal/metrics"
	ws "github.com/autofleet/autofleet/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Devices dial in through tunnels; there is no browser origin
		// to validate.
		return true
	},
}

// Registry is the slice of the device registry the gateway drives.
type Registry interface {
	Register(ctx context.Context, specs device.Specs, port int, force bool) (*device.Device, error)
	MarkWSGone(ctx context.Context, id string)
	TouchHeartbeat(id string)
}

// Gateway owns every live device control socket. Each tunnel port maps
// to at most one socket; a reconnect or forced takeover displaces the
// previous holder.
type Gateway struct {
	registry Registry
	metrics  *metrics.Metrics
	log      *logger.Logger

	pingPeriod time.Duration
	pongWait   time.Duration

	dispatcher *ws.Dispatcher

	mu    sync.Mutex
	conns map[int]*deviceConn
}

// New creates the gateway. The heartbeat config sets the native ping
// period; a socket silent for ping interval plus pong timeout is torn
// down.
func New(reg Registry, m *metrics.Metrics, hb config.HeartbeatConfig, log *logger.Logger) *Gateway {
	g := &Gateway{
		registry:   reg,
		metrics:    m,
		log:        log.WithComponent("device_gateway"),
		pingPeriod: hb.PingIntervalDuration(),
		pongWait:   hb.PingIntervalDuration() + hb.PongTimeoutDuration(),
		conns:      make(map[int]*deviceConn),
	}
	g.dispatcher = newDispatcher(g)
	return g
}

// SetupRoutes adds the device endpoint to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws/device/:frp_port", g.HandleDevice)
}

// HandleDevice upgrades a device connection and runs its session. The
// first frame must be device_online; everything after goes through the
// frame dispatcher. Devices may pass ?force=true to displace a stale
// holder of their port.
func (g *Gateway) HandleDevice(c *gin.Context) {
	port, err := strconv.Atoi(c.Param("frp_port"))
	if err != nil || port <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid frp_port"})
		return
	}
	force := c.Query("force") == "true" || c.Query("force") == "1"

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Error("websocket upgrade failed", zap.Int("port", port), zap.Error(err))
		return
	}

	dc := newDeviceConn(g, conn, port)
	d, ok := g.handshake(c.Request.Context(), dc, force)
	if !ok {
		dc.close()
		return
	}

	g.adopt(dc)
	g.log.Info("device socket registered",
		zap.String("device_id", d.ID),
		zap.String("kind", string(d.Kind)),
		zap.Int("port", port))

	go dc.writePump()
	dc.readPump(c.Request.Context())
	g.drop(dc)
}

// handshake runs the registration phase: one frame, type device_online,
// specs the registry accepts. The reply, registered or an error frame,
// is written synchronously before the pumps start.
func (g *Gateway) handshake(ctx context.Context, dc *deviceConn, force bool) (*device.Device, bool) {
	dc.conn.SetReadLimit(maxFrameSize)
	dc.conn.SetReadDeadline(time.Now().Add(registerWait))

	_, data, err := dc.conn.ReadMessage()
	if err != nil {
		g.log.Debug("device closed before registering", zap.Int("port", dc.port), zap.Error(err))
		return nil, false
	}

	msg, err := ws.Parse(data)
	if err != nil {
		dc.writeFrame(ws.NewErrorFrame(ws.CodeBadRequest, err.Error()))
		return nil, false
	}
	if msg.Type != ws.TypeDeviceOnline {
		dc.writeFrame(ws.NewErrorFrame(ws.CodeBadRequest, "first frame must be device_online"))
		return nil, false
	}

	d, errFrame := g.register(ctx, dc.port, msg, force)
	if errFrame != nil {
		dc.writeFrame(errFrame)
		return nil, false
	}

	dc.setDeviceID(d.ID)
	if err := dc.writeFrame(ws.NewRegistered(d.ID, d.Port, "device registered")); err != nil {
		// The socket died between the frame and the reply; undo the
		// ws_up claim so the device is not stranded online.
		g.registry.MarkWSGone(ctx, d.ID)
		return nil, false
	}
	return d, true
}

// register decodes a device_online frame and upserts the device. Used
// for the handshake and for re-announcements on a live socket.
func (g *Gateway) register(ctx context.Context, port int, msg *ws.Message, force bool) (*device.Device, *ws.ErrorFrame) {
	var frame ws.DeviceOnline
	if err := msg.Decode(&frame); err != nil {
		return nil, ws.NewErrorFrame(ws.CodeBadRequest, "malformed device_online frame")
	}
	specs, err := device.ParseSpecs(frame.Specs)
	if err != nil {
		return nil, ws.NewErrorFrame(ws.CodeValidation, err.Error())
	}

	d, err := g.registry.Register(ctx, specs, port, force)
	if err != nil {
		code := ws.CodeRegistration
		if errors.Is(err, allocator.ErrPortHeld) {
			code = ws.CodePortConflict
		}
		return nil, ws.NewErrorFrame(code, err.Error())
	}
	return d, nil
}

// adopt books the socket under its port and displaces any previous
// holder. The displaced socket's teardown becomes a no-op for the
// registry because it no longer owns the slot.
func (g *Gateway) adopt(dc *deviceConn) {
	g.mu.Lock()
	prev := g.conns[dc.port]
	g.conns[dc.port] = dc
	dc.adopted = true
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.DeviceSockets.Inc()
	}
	if prev != nil && prev != dc {
		prev.close()
	}
}

// drop releases the port slot if this socket still holds it and tells
// the registry the control channel is gone. Displaced sockets skip the
// registry call: their device id now belongs to the new socket.
func (g *Gateway) drop(dc *deviceConn) {
	g.mu.Lock()
	owner := g.conns[dc.port] == dc
	if owner {
		delete(g.conns, dc.port)
	}
	adopted := dc.adopted
	g.mu.Unlock()

	dc.close()
	if !adopted {
		return
	}
	if g.metrics != nil {
		g.metrics.DeviceSockets.Dec()
	}
	if !owner {
		return
	}
	if id := dc.registeredID(); id != "" {
		g.registry.MarkWSGone(context.Background(), id)
		g.log.Info("device disconnected", zap.String("device_id", id), zap.Int("port", dc.port))
	}
}

// Count returns the number of registered device sockets.
func (g *Gateway) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Stop closes every device socket. Called at shutdown after the
// scheduler has drained.
func (g *Gateway) Stop() {
	g.mu.Lock()
	conns := make([]*deviceConn, 0, len(g.conns))
	for _, dc := range g.conns {
		conns = append(conns, dc)
	}
	g.mu.Unlock()

	for _, dc := range conns {
		dc.close()
	}
}
