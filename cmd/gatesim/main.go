// Command gatesim emulates gate hardware against the scan dispatcher. It
// streams newline-terminated frames over one TCP connection and can keep the
// connection alive with heartbeats, which makes it useful both for demos and
// for soak-testing the ingress path.
//
// Examples:
//
//	gatesim -addr localhost:7000 -scan RFID:CARD-001
//	gatesim -addr localhost:7000 -heartbeat 5s
//	gatesim -addr localhost:7000 -scan LPR:B-123-CD -repeat 3 -interval 2s
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", "localhost:7000", "dispatcher address")
	scan := flag.String("scan", "", "scan frame to send (KIND:VALUE, or a raw RFID value)")
	repeat := flag.Int("repeat", 1, "how many times to send the scan frame")
	interval := flag.Duration("interval", time.Second, "delay between repeated frames")
	heartbeat := flag.Duration("heartbeat", 0, "when set, send HEARTBEAT frames at this interval until interrupted")
	listen := flag.Int("listen", 0, "when set, also emulate the controller command port on this port")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if *listen > 0 {
		go serveCommands(*listen)
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		slog.Error("dial failed", "addr", *addr, "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	slog.Info("connected", "addr", *addr)

	if *scan != "" {
		for i := 0; i < *repeat; i++ {
			if i > 0 {
				time.Sleep(*interval)
			}
			if _, err := fmt.Fprintf(conn, "%s\n", *scan); err != nil {
				slog.Error("send failed", "error", err)
				os.Exit(1)
			}
			slog.Info("sent", "frame", *scan)
		}
	}

	if *heartbeat > 0 {
		ticker := time.NewTicker(*heartbeat)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := fmt.Fprint(conn, "HEARTBEAT\n"); err != nil {
				slog.Error("heartbeat failed", "error", err)
				os.Exit(1)
			}
			slog.Info("heartbeat sent")
		}
	}
}

// serveCommands accepts controller connections and acknowledges CMD:OPEN, so
// a granted scan completes its full round trip against the simulator.
func serveCommands(port int) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		slog.Error("command listener failed", "port", port, "error", err)
		return
	}
	slog.Info("controller port listening", "port", port)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			line, err := bufio.NewReader(c).ReadString('\n')
			if err != nil {
				return
			}
			slog.Info("controller received", "command", line)
			fmt.Fprint(c, "ACK\n")
		}(conn)
	}
}
