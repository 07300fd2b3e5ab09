package websocket

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/logger"
	ws "github.com/autofleet/autofleet/pkg/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Grace for the device_online frame after the socket opens.
	registerWait = 10 * time.Second

	// Maximum frame size accepted from a device.
	maxFrameSize = 256 * 1024
)

// deviceConn is one device control socket. It implements ws.Conn for
// the frame handlers.
type deviceConn struct {
	gw   *Gateway
	conn *gorillaws.Conn
	port int

	mu      sync.RWMutex
	devID   string
	adopted bool

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	log *logger.Logger
}

func newDeviceConn(g *Gateway, conn *gorillaws.Conn, port int) *deviceConn {
	return &deviceConn{
		gw:   g,
		conn: conn,
		port: port,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
		log:  g.log.WithFields(zap.Int("port", port)),
	}
}

// ID returns the device id once registered, the port before that.
func (c *deviceConn) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.devID != "" {
		return c.devID
	}
	return "port:" + strconv.Itoa(c.port)
}

// Port returns the tunnel port the device connected under.
func (c *deviceConn) Port() int { return c.port }

// Send queues a frame without blocking. A full buffer means the device
// stopped reading, so the socket is torn down rather than stalled.
func (c *deviceConn) Send(v interface{}) error {
	data, err := ws.Encode(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	default:
		c.close()
		return errors.New("send buffer full")
	}
}

func (c *deviceConn) setDeviceID(id string) {
	c.mu.Lock()
	c.devID = id
	c.mu.Unlock()
}

func (c *deviceConn) registeredID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.devID
}

// writeFrame writes one frame synchronously. Only used during the
// registration phase, before the write pump starts.
func (c *deviceConn) writeFrame(v interface{}) error {
	data, err := ws.Encode(v)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(gorillaws.TextMessage, data)
}

// close tears the socket down. Safe from any goroutine, any number of
// times; WriteControl may run concurrently with the write pump.
func (c *deviceConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		c.conn.WriteControl(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""), deadline)
		c.conn.Close()
	})
}

// readPump consumes frames until the socket dies. Any inbound traffic
// counts as liveness: a device streaming task_progress is not torn
// down over a late pong.
func (c *deviceConn) readPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(c.gw.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.gw.pongWait))
		c.gw.registry.TouchHeartbeat(c.ID())
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err,
				gorillaws.CloseNormalClosure,
				gorillaws.CloseGoingAway,
				gorillaws.CloseAbnormalClosure) {
				c.log.Warn("device socket read failed", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.gw.pongWait))

		msg, err := ws.Parse(data)
		if err != nil {
			if c.Send(ws.NewErrorFrame(ws.CodeBadRequest, err.Error())) != nil {
				return
			}
			continue
		}
		reply, err := c.gw.dispatcher.Dispatch(ctx, c, msg)
		if err != nil {
			c.log.Error("frame handler failed", zap.String("frame_type", msg.Type), zap.Error(err))
			if c.Send(ws.NewErrorFrame(ws.CodeInternalError, err.Error())) != nil {
				return
			}
			continue
		}
		if reply != nil {
			if c.Send(reply) != nil {
				return
			}
		}
	}
}

// writePump drains the send buffer and keeps the native ping schedule.
func (c *deviceConn) writePump() {
	ticker := time.NewTicker(c.gw.pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
