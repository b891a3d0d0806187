package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Result is the outcome of one probe. Latency is in whole milliseconds and
// is nil when the host did not answer.
type Result struct {
	Alive   bool
	Latency *int
}

// Prober checks whether a target is reachable. A returned error means the
// probe itself could not run; an unreachable host is a Result with Alive
// false and no error.
type Prober interface {
	Probe(ctx context.Context, target Target) (Result, error)
}

var errBadHost = errors.New("invalid host")

// validHost rejects values the ping command could read as flags.
func validHost(host string) error {
	if host == "" || strings.HasPrefix(host, "-") || strings.ContainsAny(host, " \t\r\n") {
		return fmt.Errorf("%w: %q", errBadHost, host)
	}
	return nil
}

func roundMillis(ms float64) *int {
	v := int(math.Round(ms))
	return &v
}

var pingTime = regexp.MustCompile(`time[=<]\s*([0-9]+(?:\.[0-9]+)?)\s*ms`)

// PingProber sends a single ICMP echo through the system ping binary, so
// the agent needs no raw-socket privileges.
type PingProber struct {
	// Command is the ping executable; "ping" when empty.
	Command string
	// Timeout is passed to ping's -W flag in whole seconds.
	Timeout time.Duration

	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

func (p *PingProber) Probe(ctx context.Context, target Target) (Result, error) {
	if err := validHost(target.Host); err != nil {
		return Result{}, err
	}
	cmd := p.Command
	if cmd == "" {
		cmd = "ping"
	}
	run := p.run
	if run == nil {
		run = runCommand
	}
	wait := int(math.Ceil(p.Timeout.Seconds()))
	if wait < 1 {
		wait = 1
	}

	out, err := run(ctx, cmd, "-c", "1", "-W", strconv.Itoa(wait), target.Host)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit: no reply or unknown host.
			return Result{}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, nil
		}
		return Result{}, fmt.Errorf("running %s: %w", cmd, err)
	}
	return parsePingOutput(out), nil
}

// parsePingOutput extracts the round-trip time from ping's reply line. A
// successful exit with no time= field still counts as alive.
func parsePingOutput(out []byte) Result {
	m := pingTime.FindSubmatch(out)
	if m == nil {
		return Result{Alive: true}
	}
	ms, err := strconv.ParseFloat(string(m[1]), 64)
	if err != nil {
		return Result{Alive: true}
	}
	return Result{Alive: true, Latency: roundMillis(ms)}
}

// TCPProber measures the time to complete a TCP handshake with the
// target's port. It is used where ICMP is filtered.
type TCPProber struct {
	Timeout time.Duration

	dial func(ctx context.Context, network, address string) (net.Conn, error)
	now  func() time.Time
}

func (p *TCPProber) Probe(ctx context.Context, target Target) (Result, error) {
	if err := validHost(target.Host); err != nil {
		return Result{}, err
	}
	if target.Port <= 0 {
		return Result{}, fmt.Errorf("tcp probe of %q: port is required", target.Name)
	}
	dial := p.dial
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}
	now := p.now
	if now == nil {
		now = time.Now
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	start := now()
	conn, err := dial(ctx, "tcp", net.JoinHostPort(target.Host, strconv.Itoa(target.Port)))
	if err != nil {
		return Result{}, nil
	}
	elapsed := now().Sub(start)
	conn.Close()
	return Result{Alive: true, Latency: roundMillis(float64(elapsed) / float64(time.Millisecond))}, nil
}
