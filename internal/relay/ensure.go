package relay

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"time"
)

const (
	dialTimeout    = 300 * time.Millisecond
	readyDeadline  = 15 * time.Second
	readyPollEvery = 500 * time.Millisecond
)

// ProcessStarter launches the external relay process. The seam lets tests
// avoid spawning a real server.
type ProcessStarter func(ctx context.Context, name string, args ...string) (*exec.Cmd, error)

// ExecProcessStarter starts a real detached process.
func ExecProcessStarter(ctx context.Context, name string, args ...string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// EnsureRunning makes sure a relay server is listening on the given port.
// If the port refuses connections it spawns `opencode serve --port N` and
// waits until ListSessions first succeeds or a bounded deadline passes.
// The returned cmd is non-nil only when this call started the process;
// the relay is left running at daemon shutdown either way.
func (c *Client) EnsureRunning(ctx context.Context, port int, starter ProcessStarter, logf func(msg string, args ...any)) (*exec.Cmd, error) {
	if starter == nil {
		starter = ExecProcessStarter
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	if conn, err := net.DialTimeout("tcp", addr, dialTimeout); err == nil {
		_ = conn.Close()
		if logf != nil {
			logf("relay already running", "url", c.baseURL)
		}
		return nil, nil
	}

	cmd, err := starter(ctx, "opencode", "serve", "--port", strconv.Itoa(port))
	if err != nil {
		return nil, fmt.Errorf("%w: starting relay on port %d: %v", ErrUnavailable, port, err)
	}

	deadline := time.Now().Add(readyDeadline)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, err := c.ListSessions(ctx); err == nil {
			if logf != nil {
				pid := 0
				if cmd != nil && cmd.Process != nil {
					pid = cmd.Process.Pid
				}
				logf("managed relay started", "url", c.baseURL, "pid", pid)
			}
			return cmd, nil
		}
		time.Sleep(readyPollEvery)
	}

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}
	return nil, fmt.Errorf("%w: relay did not become ready at %s", ErrUnavailable, c.baseURL)
}
