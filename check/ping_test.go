package check

import (
	"context"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// fakeConn answers echo requests through respond instead of the network.
type fakeConn struct {
	respond func(req *icmp.Echo) []byte
	sendErr error

	in       chan []byte
	mu       sync.Mutex
	deadline time.Time
}

func newFakeConn(respond func(req *icmp.Echo) []byte) *fakeConn {
	return &fakeConn{respond: respond, in: make(chan []byte, 16)}
}

func (c *fakeConn) Close() error               { return nil }
func (c *fakeConn) ICMPRequestType() icmp.Type { return ipv4.ICMPTypeEcho }
func (c *fakeConn) SetFlagTTL() error          { return nil }
func (c *fakeConn) SetTTL(int)                 {}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *fakeConn) ReadFrom(b []byte) (int, int, net.Addr, error) {
	c.mu.Lock()
	d := c.deadline
	c.mu.Unlock()

	timer := time.NewTimer(time.Until(d))
	defer timer.Stop()
	select {
	case pkt := <-c.in:
		return copy(b, pkt), 64, nil, nil
	case <-timer.C:
		return 0, 0, nil, &net.OpError{Op: "read", Net: "ip4:icmp", Err: timeoutError{}}
	}
}

func (c *fakeConn) WriteTo(b []byte, dst net.Addr) (int, error) {
	if c.sendErr != nil {
		return 0, c.sendErr
	}
	m, err := icmp.ParseMessage(protocolICMP, b)
	if err != nil {
		return 0, err
	}
	if c.respond != nil {
		if reply := c.respond(m.Body.(*icmp.Echo)); reply != nil {
			c.in <- reply
		}
	}
	return len(b), nil
}

func echoReply(req *icmp.Echo) []byte {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Body: &icmp.Echo{ID: req.ID, Seq: req.Seq, Data: req.Data},
	}
	b, _ := msg.Marshal(nil)
	return b
}

func unreachableReply(dst net.IP) func(req *icmp.Echo) []byte {
	return func(req *icmp.Echo) []byte {
		hdr := ipv4.Header{
			Version:  4,
			Len:      ipv4.HeaderLen,
			TotalLen: ipv4.HeaderLen + 8,
			TTL:      63,
			Protocol: protocolICMP,
			Src:      net.IPv4(192, 0, 2, 10),
			Dst:      dst,
		}
		hb, _ := hdr.Marshal()
		inner, _ := (&icmp.Message{Type: ipv4.ICMPTypeEcho, Body: &icmp.Echo{ID: req.ID, Seq: req.Seq}}).Marshal(nil)

		msg := icmp.Message{
			Type: ipv4.ICMPTypeDestinationUnreachable,
			Code: 1,
			Body: &icmp.DstUnreach{Data: append(hb, inner[:8]...)},
		}
		b, _ := msg.Marshal(nil)
		return b
	}
}

func newTestPinger(t *testing.T, count int, timeout time.Duration) *Pinger {
	t.Helper()
	p, err := NewPinger("127.0.0.1")
	require.NoError(t, err)
	p.Count = count
	p.Timeout = timeout
	p.done = make(chan interface{})
	return p
}

func TestTimeBytes(t *testing.T) {
	now := time.Unix(1706745599, 123456789)
	assert.True(t, now.Equal(bytesToTime(timeToBytes(now))))
}

func TestUpdateStatistics(t *testing.T) {
	p := newTestPinger(t, 3, time.Second)
	for _, rtt := range []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond} {
		p.updateStatistics(rtt)
	}
	p.PacketsSent = 4

	s := p.Statistics()
	assert.Equal(t, 3, s.PacketsRecv)
	assert.Equal(t, 10*time.Millisecond, s.MinRtt)
	assert.Equal(t, 30*time.Millisecond, s.MaxRtt)
	assert.Equal(t, 20*time.Millisecond, s.AvgRtt)
	assert.InDelta(t, 25.0, s.PacketLoss, 0.001)
	assert.InDelta(t, float64(8164965*time.Nanosecond), float64(s.StdDevRtt), float64(time.Microsecond))
}

func TestStatisticsNothingSent(t *testing.T) {
	p := newTestPinger(t, 1, time.Second)
	assert.Equal(t, 100.0, p.Statistics().PacketLoss)
}

func TestRunAllReplies(t *testing.T) {
	p := newTestPinger(t, 3, time.Second)

	err := p.run(context.Background(), newFakeConn(echoReply))
	require.NoError(t, err)

	s := p.Statistics()
	assert.Equal(t, 3, s.PacketsSent)
	assert.Equal(t, 3, s.PacketsRecv)
	assert.Zero(t, s.PacketLoss)
	assert.True(t, s.MinRtt <= s.AvgRtt && s.AvgRtt <= s.MaxRtt)
	assert.Nil(t, p.failure(err))
}

func TestRunNoReplies(t *testing.T) {
	p := newTestPinger(t, 2, 30*time.Millisecond)

	start := time.Now()
	err := p.run(context.Background(), newFakeConn(nil))
	elapsed := time.Since(start)
	require.NoError(t, err)

	s := p.Statistics()
	assert.Equal(t, 2, s.PacketsSent)
	assert.Zero(t, s.PacketsRecv)
	assert.Equal(t, 100.0, s.PacketLoss)
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	f := p.failure(err)
	require.NotNil(t, f)
	assert.Equal(t, KindTimeout, f.Kind)
}

func TestRunDuplicateReplies(t *testing.T) {
	p := newTestPinger(t, 1, time.Second)

	conn := newFakeConn(nil)
	conn.respond = func(req *icmp.Echo) []byte {
		b := echoReply(req)
		conn.in <- b
		return b
	}
	require.NoError(t, p.run(context.Background(), conn))

	// The duplicate may still be queued when the only request is answered.
	assert.Equal(t, 1, p.Statistics().PacketsRecv)
}

func TestRunUnreachable(t *testing.T) {
	p := newTestPinger(t, 2, time.Second)

	start := time.Now()
	err := p.run(context.Background(), newFakeConn(unreachableReply(p.ipaddr.IP)))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	f := p.failure(err)
	require.NotNil(t, f)
	assert.Equal(t, KindUnreachable, f.Kind)
	assert.Equal(t, 2, p.Statistics().PacketsSent)
}

func TestRunUnreachableOtherDestination(t *testing.T) {
	p := newTestPinger(t, 1, 30*time.Millisecond)

	err := p.run(context.Background(), newFakeConn(unreachableReply(net.IPv4(192, 0, 2, 99))))
	require.NoError(t, err)

	f := p.failure(err)
	require.NotNil(t, f)
	assert.Equal(t, KindTimeout, f.Kind)
}

func TestRunSendErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"permission", &net.OpError{Op: "write", Err: syscall.EPERM}, KindPermissionDenied},
		{"host unreachable", &net.OpError{Op: "write", Err: syscall.EHOSTUNREACH}, KindUnreachable},
		{"network unreachable", &net.OpError{Op: "write", Err: syscall.ENETUNREACH}, KindUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPinger(t, 2, 10*time.Millisecond)
			conn := newFakeConn(echoReply)
			conn.sendErr = tt.err

			err := p.run(context.Background(), conn)
			require.NoError(t, err)
			assert.Equal(t, 2, p.Statistics().PacketsSent)

			f := p.failure(err)
			require.NotNil(t, f)
			assert.Equal(t, tt.kind, f.Kind)
			assert.ErrorIs(t, f, tt.err)
		})
	}
}

func TestRunContextDeadline(t *testing.T) {
	p := newTestPinger(t, 5, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := p.run(ctx, newFakeConn(nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	f := p.failure(err)
	require.NotNil(t, f)
	assert.Equal(t, KindTimeout, f.Kind)
	assert.Equal(t, 1, p.Statistics().PacketsSent)
}

func TestFailurePermissionOnListen(t *testing.T) {
	p := newTestPinger(t, 1, time.Second)
	f := p.failure(&net.OpError{Op: "listen", Net: "ip4:icmp", Err: syscall.EACCES})
	require.NotNil(t, f)
	assert.Equal(t, KindPermissionDenied, f.Kind)
}

func TestProbeResolutionFailure(t *testing.T) {
	var c ICMP
	res := c.Probe(context.Background(), "", time.Second, 2)

	require.NotNil(t, res.Failure)
	assert.Equal(t, KindResolutionFailure, res.Failure.Kind)
	assert.Zero(t, res.PacketsSent)
	assert.False(t, res.HasRTT())
	assert.False(t, res.Timestamp.IsZero())
}

// blockingResolver never answers before ctx is done.
type blockingResolver struct{}

func (blockingResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	<-ctx.Done()
	return nil, &net.DNSError{Err: ctx.Err().Error(), Name: host, IsTimeout: true}
}

type staticResolver []net.IP

func (r staticResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	return r, nil
}

func TestProbeResolutionBoundedByTimeout(t *testing.T) {
	c := ICMP{resolver: blockingResolver{}}

	start := time.Now()
	res := c.Probe(context.Background(), "slow.example.net", 50*time.Millisecond, 2)
	elapsed := time.Since(start)

	require.NotNil(t, res.Failure)
	assert.Equal(t, KindResolutionFailure, res.Failure.Kind)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, 100.0, res.PacketLoss)
}

func TestResolvePrefersIPv4(t *testing.T) {
	p := newPinger("dual.example.net")
	p.resolver = staticResolver{net.ParseIP("2001:db8::1"), net.ParseIP("192.0.2.7")}

	require.NoError(t, p.Resolve(context.Background()))
	assert.True(t, p.ipv4)
	assert.Equal(t, "192.0.2.7", p.ipaddr.IP.String())

	p = newPinger("fe80::1%eth0")
	p.SetNetwork("ip6")
	p.resolver = staticResolver{net.ParseIP("fe80::1")}
	require.NoError(t, p.Resolve(context.Background()))
	assert.False(t, p.ipv4)
	assert.Equal(t, "eth0", p.ipaddr.Zone)
}

func TestMatchID(t *testing.T) {
	p := newTestPinger(t, 1, time.Second)
	p.id = 42

	p.SetPrivileged(true)
	assert.True(t, p.matchID(42))
	assert.False(t, p.matchID(43))

	p.SetPrivileged(false)
	assert.True(t, p.matchID(43))
}
