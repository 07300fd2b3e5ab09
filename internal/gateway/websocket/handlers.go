package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/logger"
	ws "github.com/autofleet/autofleet/pkg/websocket"
)

// newDispatcher wires the frame handlers a registered device may send.
// Unknown frame types get an error frame back but keep the socket open;
// old clients with new frame kinds should not lose their registration.
func newDispatcher(g *Gateway) *ws.Dispatcher {
	d := ws.NewDispatcher()

	// Application-level heartbeats. Some clients cannot emit native
	// pong control frames, so a JSON pong counts the same.
	d.RegisterFunc(ws.TypePong, func(ctx context.Context, conn ws.Conn, msg *ws.Message) (interface{}, error) {
		g.registry.TouchHeartbeat(conn.ID())
		return nil, nil
	})
	d.RegisterFunc(ws.TypePing, func(ctx context.Context, conn ws.Conn, msg *ws.Message) (interface{}, error) {
		g.registry.TouchHeartbeat(conn.ID())
		return ws.NewPong(), nil
	})

	// A re-announcement on a live socket refreshes specs in place.
	// Renames are rejected as a port conflict; a device that wants a
	// new name reconnects (or forces the takeover).
	d.RegisterFunc(ws.TypeDeviceOnline, func(ctx context.Context, conn ws.Conn, msg *ws.Message) (interface{}, error) {
		dev, errFrame := g.register(ctx, conn.Port(), msg, false)
		if errFrame != nil {
			return errFrame, nil
		}
		return ws.NewRegistered(dev.ID, dev.Port, "device updated"), nil
	})

	d.RegisterFunc(ws.TypeTaskProgress, func(ctx context.Context, conn ws.Conn, msg *ws.Message) (interface{}, error) {
		var frame ws.TaskProgress
		if err := msg.Decode(&frame); err != nil {
			return ws.NewErrorFrame(ws.CodeBadRequest, "malformed task_progress frame"), nil
		}
		g.log.Debug("device task progress",
			zap.String("device_id", conn.ID()),
			zap.String("task_id", frame.TaskID),
			zap.Int("step_index", frame.StepIndex),
			zap.String("status", frame.Status),
			zap.String("message", frame.Message))
		return nil, nil
	})

	d.RegisterFunc(ws.TypeLog, func(ctx context.Context, conn ws.Conn, msg *ws.Message) (interface{}, error) {
		var frame ws.Log
		if err := msg.Decode(&frame); err != nil {
			return ws.NewErrorFrame(ws.CodeBadRequest, "malformed log frame"), nil
		}
		deviceLog(g.log, conn.ID(), frame)
		return nil, nil
	})

	return d
}

// deviceLog forwards a device log line at the level the device chose.
func deviceLog(log *logger.Logger, deviceID string, frame ws.Log) {
	fields := []zap.Field{
		zap.String("device_id", deviceID),
		zap.String("origin", "device"),
	}
	switch frame.Level {
	case "error":
		log.Error(frame.Message, fields...)
	case "warn", "warning":
		log.Warn(frame.Message, fields...)
	case "debug":
		log.Debug(frame.Message, fields...)
	default:
		log.Info(frame.Message, fields...)
	}
}
