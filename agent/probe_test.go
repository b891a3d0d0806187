package agent

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const linuxPingReply = `PING 192.168.1.1 (192.168.1.1) 56(84) bytes of data.
64 bytes from 192.168.1.1: icmp_seq=1 ttl=64 time=12.6 ms

--- 192.168.1.1 ping statistics ---
1 packets transmitted, 1 received, 0% packet loss, time 0ms
rtt min/avg/max/mdev = 12.600/12.600/12.600/0.000 ms
`

func TestParsePingOutput(t *testing.T) {
	for _, tc := range []struct {
		name string
		out  string
		want *int
	}{
		{"linux", linuxPingReply, intPtr(13)},
		{"busybox", "64 bytes from 10.0.0.1: seq=0 ttl=64 time=0.412 ms", intPtr(0)},
		{"windows style", "Reply from 10.0.0.1: bytes=32 time<1ms TTL=128", intPtr(1)},
		{"no time", "1 packets transmitted, 1 received", nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res := parsePingOutput([]byte(tc.out))
			assert.True(t, res.Alive)
			assert.Equal(t, tc.want, res.Latency)
		})
	}
}

func intPtr(v int) *int { return &v }

func TestPingProber_Arguments(t *testing.T) {
	var gotName string
	var gotArgs []string
	p := &PingProber{
		Timeout: 2500 * time.Millisecond,
		run: func(_ context.Context, name string, args ...string) ([]byte, error) {
			gotName, gotArgs = name, args
			return []byte(linuxPingReply), nil
		},
	}
	res, err := p.Probe(context.Background(), Target{Name: "router", Host: "192.168.1.1"})
	require.NoError(t, err)
	assert.True(t, res.Alive)
	assert.Equal(t, 13, *res.Latency)
	assert.Equal(t, "ping", gotName)
	assert.Equal(t, []string{"-c", "1", "-W", "3", "192.168.1.1"}, gotArgs)
}

func TestPingProber_NoReply(t *testing.T) {
	p := &PingProber{
		run: func(context.Context, string, ...string) ([]byte, error) {
			return nil, &exec.ExitError{}
		},
	}
	res, err := p.Probe(context.Background(), Target{Name: "dead", Host: "192.0.2.1"})
	require.NoError(t, err)
	assert.False(t, res.Alive)
	assert.Nil(t, res.Latency)
}

func TestPingProber_CommandMissing(t *testing.T) {
	p := &PingProber{
		Command: "ping-not-installed",
		run: func(context.Context, string, ...string) ([]byte, error) {
			return nil, exec.ErrNotFound
		},
	}
	_, err := p.Probe(context.Background(), Target{Name: "router", Host: "192.168.1.1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, exec.ErrNotFound))
	assert.Contains(t, err.Error(), "ping-not-installed")
}

func TestPingProber_RejectsFlagLikeHosts(t *testing.T) {
	called := false
	p := &PingProber{
		run: func(context.Context, string, ...string) ([]byte, error) {
			called = true
			return nil, nil
		},
	}
	for _, host := range []string{"", "-f", "a b"} {
		_, err := p.Probe(context.Background(), Target{Name: "x", Host: host})
		assert.ErrorIs(t, err, errBadHost, "host %q", host)
	}
	assert.False(t, called)
}

func TestTCPProber_Open(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	p := &TCPProber{Timeout: time.Second}
	res, err := p.Probe(context.Background(), Target{Name: "local", Host: "127.0.0.1", Port: port})
	require.NoError(t, err)
	assert.True(t, res.Alive)
	require.NotNil(t, res.Latency)
	assert.GreaterOrEqual(t, *res.Latency, 0)
}

func TestTCPProber_Closed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := &TCPProber{Timeout: time.Second}
	res, err := p.Probe(context.Background(), Target{Name: "local", Host: "127.0.0.1", Port: port})
	require.NoError(t, err)
	assert.False(t, res.Alive)
	assert.Nil(t, res.Latency)
}

func TestTCPProber_MeasuresHandshake(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := &TCPProber{
		now: func() time.Time { return clock },
		dial: func(context.Context, string, string) (net.Conn, error) {
			clock = clock.Add(42400 * time.Microsecond)
			client, server := net.Pipe()
			server.Close()
			return client, nil
		},
	}
	res, err := p.Probe(context.Background(), Target{Name: "nas", Host: "nas.lan", Port: 445})
	require.NoError(t, err)
	assert.Equal(t, 42, *res.Latency)
}

func TestTCPProber_RequiresPort(t *testing.T) {
	_, err := (&TCPProber{}).Probe(context.Background(), Target{Name: "nas", Host: "nas.lan"})
	assert.ErrorContains(t, err, "port is required")
}
