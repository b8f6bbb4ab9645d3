// Package ingress implements the TCP dispatcher that gate hardware streams
// scan frames to, and the outbound command path back to the controllers.
//
// Wire format: newline-terminated UTF-8 frames up to 1 KiB. `HEARTBEAT` (or
// any frame containing `KeepAlive`) reports device liveness; everything else
// is `KIND:VALUE` with an implicit KIND of RFID when the colon is missing.
package ingress

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/parkos/backend/internal/domain"
	"github.com/parkos/backend/internal/engine"
	"github.com/parkos/backend/internal/events"
	"github.com/parkos/backend/internal/metrics"
	"github.com/parkos/backend/internal/store"
)

// maxFrameBytes bounds one scan frame.
const maxFrameBytes = 1024

// DeviceResolver maps a peer IP to its registered device.
type DeviceResolver interface {
	DeviceByIP(ctx context.Context, ip string) (*domain.Device, error)
}

// Server accepts device connections and feeds parsed scans to the engine.
// Each connection gets its own goroutine; a connection error never affects
// the others, and the accept loop survives transient failures.
type Server struct {
	addr      string
	devices   DeviceResolver
	engine    *engine.Engine
	bus       events.Bus
	commander *Commander

	// hardwarePort is where CMD:OPEN is sent on the scanning device's host.
	hardwarePort int

	listener net.Listener
	met      *metrics.Metrics
	log      *slog.Logger
}

// NewServer wires the dispatcher.
func NewServer(addr string, devices DeviceResolver, eng *engine.Engine, bus events.Bus, commander *Commander, hardwarePort int) *Server {
	return &Server{
		addr:         addr,
		devices:      devices,
		engine:       eng,
		bus:          bus,
		commander:    commander,
		hardwarePort: hardwarePort,
		met:          metrics.Default(),
		log:          slog.Default().With("component", "ingress"),
	}
}

// ListenAndServe binds the listener and blocks serving connections until the
// context is cancelled or the listener fails permanently.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info("ingress listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Transient accept errors must not kill the listener.
			s.log.Warn("accept failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// Addr reports the bound address, for tests using port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ip := peerIP(conn)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxFrameBytes), maxFrameBytes)

	for scanner.Scan() {
		frame := strings.TrimSpace(scanner.Text())
		if frame == "" {
			continue
		}
		s.process(ctx, ip, frame)
	}
	// Resets and timeouts close the connection silently.
}

// process routes one frame: heartbeats become device-status events, scan
// frames go through device resolution and the decision engine.
func (s *Server) process(ctx context.Context, ip, frame string) {
	if frame == "HEARTBEAT" || strings.Contains(frame, "KeepAlive") {
		s.met.IngressFramesTotal.WithLabelValues("heartbeat").Inc()
		ev := events.New(events.TypeDeviceStatus, events.DeviceStatusPayload{
			DeviceIP: ip,
			Status:   "ONLINE",
			LastSeen: time.Now().Format(time.RFC3339),
		})
		if err := s.bus.Publish(ctx, ev); err != nil {
			s.log.Warn("device status publish failed", "ip", ip, "error", err)
		}
		return
	}

	device, err := s.devices.DeviceByIP(ctx, ip)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.met.IngressFramesTotal.WithLabelValues("dropped_unknown_device").Inc()
			s.log.Warn("frame from unknown device", "ip", ip)
			return
		}
		s.log.Error("device lookup failed", "ip", ip, "error", err)
		return
	}

	kind, value, ok := parseFrame(frame)
	if !ok {
		s.met.IngressFramesTotal.WithLabelValues("dropped_bad_kind").Inc()
		s.log.Warn("frame with unknown scan kind", "ip", ip, "frame", frame)
		return
	}
	s.met.IngressFramesTotal.WithLabelValues("scan").Inc()

	res := s.engine.HandleScan(ctx, device.GateID, kind, value)
	if !res.Allow {
		// Denials get no acknowledgement frame; the dashboard feed carries
		// the reason.
		if res.Reason != domain.ReasonDuplicateScan {
			s.log.Info("access denied", "gate", device.GateID, "reason", res.Reason)
		}
		return
	}

	s.log.Info("opening gate", "gate", device.GateID, "user", res.UserName)
	if err := s.commander.Open(ctx, ip, s.hardwarePort); err != nil {
		// The state transition stands; missed delivery is an operational
		// concern, not an authorization one.
		s.log.Warn("open command failed", "ip", ip, "error", err)
	}
}

// parseFrame splits KIND:VALUE on the first colon. Frames without a colon
// are raw RFID payloads.
func parseFrame(frame string) (domain.CredentialKind, string, bool) {
	kindStr := "RFID"
	value := frame
	if i := strings.Index(frame, ":"); i >= 0 {
		kindStr = frame[:i]
		value = frame[i+1:]
	}
	kind, err := domain.ParseCredentialKind(kindStr)
	if err != nil {
		return "", "", false
	}
	return kind, strings.TrimSpace(value), true
}

func peerIP(conn net.Conn) string {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
