package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// ServeControl accepts management commands on a unix socket until ctx is
// done:
//
//	stats            -> OK|connections=N,users=a;b
//	shutdown|reason  -> OK|Shutting down, then onShutdown(reason)
func (s *Server) ServeControl(ctx context.Context, path string, onShutdown func(reason string)) error {
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("create control socket: %w", err)
	}
	defer os.Remove(path)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.log.Info("Control socket listening", "path", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			continue
		}

		go s.handleControlCommand(conn, onShutdown)
	}
}

func (s *Server) handleControlCommand(conn net.Conn, onShutdown func(reason string)) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 2)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + s.GetStats() + "\n"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) == 2 && parts[1] != "" {
			reason = parts[1]
		}
		conn.Write([]byte("OK|Shutting down\n"))
		s.log.Info("Shutdown requested", "reason", reason)
		if onShutdown != nil {
			go onShutdown(reason)
		}

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}

// ControlCommand sends one command to a running server's control socket
// and returns the reply payload.
func ControlCommand(path, command string) (string, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return "", fmt.Errorf("connect to control socket: %w", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return "", err
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && reply == "" {
		return "", fmt.Errorf("read control reply: %w", err)
	}
	reply = strings.TrimSpace(reply)

	status, payload, _ := strings.Cut(reply, "|")
	if status != "OK" {
		return "", errors.New(payload)
	}
	return payload, nil
}
