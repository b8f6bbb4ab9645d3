package ingress

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// Commander sends the hardware open command to gate controllers. The wire
// format is a single line `CMD:OPEN`; any response is accepted and only
// logged. The whole exchange is bounded by one timeout.
type Commander struct {
	timeout time.Duration
}

// NewCommander builds a commander; timeout <= 0 defaults to 2 seconds.
func NewCommander(timeout time.Duration) *Commander {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Commander{timeout: timeout}
}

// Open dials the device and issues CMD:OPEN. Failures are the caller's to
// log; the authorization decision stands regardless.
func (c *Commander) Open(ctx context.Context, ip string, port int) error {
	addr := net.JoinHostPort(ip, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial controller %s: %w", addr, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if _, err := fmt.Fprint(conn, "CMD:OPEN\n"); err != nil {
		return fmt.Errorf("send open command to %s: %w", addr, err)
	}

	// Response content is hardware-specific and only interesting for logs.
	if resp, err := bufio.NewReader(conn).ReadString('\n'); err == nil {
		slog.Debug("controller responded", "addr", addr, "response", resp)
	}
	return nil
}
