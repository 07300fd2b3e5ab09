// Package main implements a mock device binary that speaks the device
// control WebSocket protocol. It registers fake phones or PCs against a
// running control plane for rapid feature testing without real hardware
// or tunnels.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	ws "github.com/autofleet/autofleet/pkg/websocket"
)

func main() {
	var (
		server   = flag.String("server", "ws://127.0.0.1:8080", "control plane base URL (ws:// or http://)")
		port     = flag.Int("port", 6100, "first tunnel port to register under")
		count    = flag.Int("count", 1, "number of devices to register on consecutive ports")
		kind     = flag.String("kind", "phone", "device kind: phone or pc")
		name     = flag.String("name", "", "device name (default mock-<kind>-<port>)")
		battery  = flag.Int("battery", 87, "reported battery percentage (phones)")
		force    = flag.Bool("force", false, "displace an existing holder of the port")
		chatty   = flag.Duration("chatty", 0, "emit a log frame at this interval (0 = silent)")
		announce = flag.Duration("announce", 0, "re-announce specs at this interval with draining battery (0 = never)")
	)
	flag.Parse()

	if *kind != "phone" && *kind != "pc" {
		fmt.Fprintf(os.Stderr, "mock-device: unknown kind %q (want phone or pc)\n", *kind)
		os.Exit(1)
	}
	if *count < 1 {
		*count = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < *count; i++ {
		p := *port + i
		dev := &mockDevice{
			endpoint: deviceEndpoint(*server, p, *force),
			port:     p,
			kind:     *kind,
			name:     deviceName(*name, *kind, p, *count),
			battery:  *battery,
			chatty:   *chatty,
			announce: *announce,
		}
		g.Go(func() error { return dev.run(ctx) })
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "mock-device: %v\n", err)
		os.Exit(1)
	}
}

// deviceEndpoint builds the gateway URL for one port. http(s) schemes
// are rewritten to their ws(s) equivalents so copy-pasted API URLs work.
func deviceEndpoint(base string, port int, force bool) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		// Bare host:port form.
		u = &url.URL{Scheme: "ws", Host: base}
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/device/" + strconv.Itoa(port)
	if force {
		u.RawQuery = "force=true"
	} else {
		u.RawQuery = ""
	}
	return u.String()
}

// deviceName picks the flag value when one device is requested, else a
// generated per-port name so parallel mocks stay distinguishable.
func deviceName(flagName, kind string, port, count int) string {
	if flagName != "" && count == 1 {
		return flagName
	}
	return fmt.Sprintf("mock-%s-%d", kind, port)
}

// mockDevice is one simulated fleet member: a single control socket
// with registration, heartbeat replies and optional chatter.
type mockDevice struct {
	endpoint string
	port     int
	kind     string
	name     string
	battery  int
	chatty   time.Duration
	announce time.Duration
}

func (d *mockDevice) run(ctx context.Context) error {
	dialer := gorillaws.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, d.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", d.endpoint, err)
	}
	defer conn.Close()

	specs := buildSpecs(d.kind, d.name, d.port, d.battery)
	if err := writeFrame(conn, onlineFrame(specs)); err != nil {
		return fmt.Errorf("send device_online: %w", err)
	}

	deviceID, err := awaitRegistered(conn)
	if err != nil {
		return fmt.Errorf("port %d: %w", d.port, err)
	}
	fmt.Printf("registered %s (%s) on port %d\n", deviceID, d.kind, d.port)

	// Reading continuously lets gorilla answer native server pings with
	// pong control frames, which the gateway counts as heartbeats.
	readErr := make(chan error, 1)
	go func() { readErr <- d.readLoop(conn) }()

	var chatC, announceC <-chan time.Time
	if d.chatty > 0 {
		t := time.NewTicker(d.chatty)
		defer t.Stop()
		chatC = t.C
	}
	if d.announce > 0 {
		t := time.NewTicker(d.announce)
		defer t.Stop()
		announceC = t.C
	}

	battery := d.battery
	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(2 * time.Second)
			_ = conn.WriteControl(gorillaws.CloseMessage,
				gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, "mock shutting down"), deadline)
			return nil
		case err := <-readErr:
			return fmt.Errorf("port %d: socket closed: %w", d.port, err)
		case <-chatC:
			frame := &ws.Log{Type: ws.TypeLog, Level: "info",
				Message: fmt.Sprintf("mock device on port %d is alive", d.port)}
			if err := writeFrame(conn, frame); err != nil {
				return err
			}
		case <-announceC:
			if battery > 1 {
				battery--
			}
			if err := writeFrame(conn, onlineFrame(buildSpecs(d.kind, d.name, d.port, battery))); err != nil {
				return err
			}
		}
	}
}

// readLoop consumes server frames until the socket dies. App-level
// pings get a pong back; everything else is printed.
func (d *mockDevice) readLoop(conn *gorillaws.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := ws.Parse(data)
		if err != nil {
			continue
		}
		switch msg.Type {
		case ws.TypePing:
			if err := writeFrame(conn, ws.NewPong()); err != nil {
				return err
			}
		case ws.TypeRegistered:
			// Reply to a re-announcement; nothing to do.
		case ws.TypeError:
			var frame ws.ErrorFrame
			if msg.Decode(&frame) == nil {
				fmt.Fprintf(os.Stderr, "port %d: server error %s: %s\n", d.port, frame.Code, frame.Message)
			}
		default:
			fmt.Printf("port %d: <- %s\n", d.port, msg.Type)
		}
	}
}

func awaitRegistered(conn *gorillaws.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("await registered: %w", err)
	}
	msg, err := ws.Parse(data)
	if err != nil {
		return "", err
	}
	switch msg.Type {
	case ws.TypeRegistered:
		var frame ws.Registered
		if err := msg.Decode(&frame); err != nil {
			return "", err
		}
		return frame.DeviceID, nil
	case ws.TypeError:
		var frame ws.ErrorFrame
		if err := msg.Decode(&frame); err != nil {
			return "", err
		}
		return "", fmt.Errorf("registration rejected: %s: %s", frame.Code, frame.Message)
	default:
		return "", fmt.Errorf("unexpected first reply %q", msg.Type)
	}
}

func writeFrame(conn *gorillaws.Conn, v interface{}) error {
	data, err := ws.Encode(v)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(gorillaws.TextMessage, data)
}
