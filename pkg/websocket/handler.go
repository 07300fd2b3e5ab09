package websocket

import "context"

// Error codes carried on error frames.
const (
	CodeBadRequest    = "BAD_REQUEST"
	CodeValidation    = "VALIDATION_ERROR"
	CodeRegistration  = "REGISTRATION_FAILED"
	CodePortConflict  = "PORT_CONFLICT"
	CodeInternalError = "INTERNAL_ERROR"
	CodeUnknownType   = "UNKNOWN_TYPE"
)

// Conn is the handler-side view of a connected device socket.
type Conn interface {
	// ID identifies the connection (device id once registered, else the port).
	ID() string
	// Port is the tunnel port the device connected under.
	Port() int
	// Send queues a typed frame for delivery.
	Send(v interface{}) error
}

// Handler processes one frame type. A non-nil return value is encoded
// and sent back on the same connection.
type Handler interface {
	Handle(ctx context.Context, conn Conn, msg *Message) (interface{}, error)
}

// HandlerFunc is a function type that implements Handler
type HandlerFunc func(ctx context.Context, conn Conn, msg *Message) (interface{}, error)

// Handle implements the Handler interface
func (f HandlerFunc) Handle(ctx context.Context, conn Conn, msg *Message) (interface{}, error) {
	return f(ctx, conn, msg)
}

// Dispatcher routes frames to handlers by frame type.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates a new frame dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
	}
}

// Register registers a handler for a frame type
func (d *Dispatcher) Register(frameType string, handler Handler) {
	d.handlers[frameType] = handler
}

// RegisterFunc registers a handler function for a frame type
func (d *Dispatcher) RegisterFunc(frameType string, handler HandlerFunc) {
	d.handlers[frameType] = handler
}

// Dispatch routes a frame to the appropriate handler
func (d *Dispatcher) Dispatch(ctx context.Context, conn Conn, msg *Message) (interface{}, error) {
	handler, ok := d.handlers[msg.Type]
	if !ok {
		return NewErrorFrame(CodeUnknownType, "Unknown frame type: "+msg.Type), nil
	}
	return handler.Handle(ctx, conn, msg)
}

// HasHandler returns true if a handler is registered for the frame type
func (d *Dispatcher) HasHandler(frameType string) bool {
	_, ok := d.handlers[frameType]
	return ok
}
