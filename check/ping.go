package check

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"
)

const (
	timeSliceLength  = 8
	trackerLength    = len(uuid.UUID{})
	protocolICMP     = 1
	protocolIPv6ICMP = 58
	readBufferSize   = 512
	sendRetries      = 3
)

var (
	ipv4Proto = map[string]string{"icmp": "ip4:icmp", "udp": "udp4"}
	ipv6Proto = map[string]string{"icmp": "ip6:ipv6-icmp", "udp": "udp6"}
)

// NewPinger returns a new Pinger and resolves the address.
func NewPinger(addr string) (*Pinger, error) {
	p := newPinger(addr)
	return p, p.Resolve(context.Background())
}

// resolver is the subset of net.Resolver used to look up targets.
type resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

func newPinger(addr string) *Pinger {
	r := rand.New(rand.NewSource(getSeed()))
	firstUUID := uuid.New()
	p := &Pinger{
		Count:   1,
		Timeout: time.Second,
		Size:    timeSliceLength + trackerLength,
		TTL:     64,

		addr:              addr,
		done:              make(chan interface{}),
		id:                r.Intn(math.MaxUint16),
		trackerUUIDs:      []uuid.UUID{firstUUID},
		network:           "ip",
		protocol:          "udp",
		awaitingSequences: map[uuid.UUID]map[int]struct{}{firstUUID: {}},
		resolver:          net.DefaultResolver,
	}
	return p
}

// Pinger sends Count echo requests one after another, waiting up to Timeout
// for each reply before sending the next.
type Pinger struct {
	// Count is the number of echo requests sent by Run.
	Count int

	// Timeout bounds the wait for each reply.
	Timeout time.Duration

	// Size of packet being sent
	Size int

	TTL int

	// Number of packets sent
	PacketsSent int

	// Number of packets received
	PacketsRecv int

	// Number of duplicate packets received
	PacketsRecvDuplicates int

	// Round trip time statistics
	minRtt    time.Duration
	maxRtt    time.Duration
	avgRtt    time.Duration
	stdDevRtt time.Duration
	stddevm2  time.Duration
	statsMu   sync.RWMutex

	// unreachable counts destination unreachable messages matching our requests
	unreachable int
	// sendErr is the last error returned by the socket on send
	sendErr error

	// Channel and mutex used to communicate when the Pinger should stop between goroutines.
	done chan interface{}
	lock sync.Mutex

	ipaddr  *net.IPAddr
	addr    string
	srcAddr string

	// trackerUUIDs is the list of UUIDs being used for sending packets.
	trackerUUIDs []uuid.UUID

	ipv4     bool
	id       int
	sequence int
	// awaitingSequences are in-flight sequence numbers we keep track of to help remove duplicate receipts
	awaitingSequences map[uuid.UUID]map[int]struct{}
	// network is one of "ip", "ip4", or "ip6".
	network string
	// protocol is "icmp" or "udp".
	protocol string

	resolver resolver
}

type packet struct {
	bytes []byte
	ttl   int
}

func (p *Pinger) updateStatistics(rtt time.Duration) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	p.PacketsRecv++

	if p.PacketsRecv == 1 || rtt < p.minRtt {
		p.minRtt = rtt
	}

	if rtt > p.maxRtt {
		p.maxRtt = rtt
	}

	pktCount := time.Duration(p.PacketsRecv)
	// welford's online method for stddev
	// https://en.wikipedia.org/wiki/Algorithms_for_calculating_variance#Welford's_online_algorithm
	delta := rtt - p.avgRtt
	p.avgRtt += delta / pktCount
	delta2 := rtt - p.avgRtt
	p.stddevm2 += delta * delta2

	p.stdDevRtt = time.Duration(math.Sqrt(float64(p.stddevm2 / pktCount)))
}

// Resolve does the DNS lookup for the Pinger address and sets IP protocol.
// The lookup gives up when ctx is done.
func (p *Pinger) Resolve(ctx context.Context) error {
	if len(p.addr) == 0 {
		return errors.New("addr cannot be empty")
	}

	host, zone := p.addr, ""
	if i := strings.LastIndexByte(host, '%'); i > 0 {
		host, zone = host[:i], host[i+1:]
	}

	ips, err := p.resolver.LookupIP(ctx, p.network, host)
	if err != nil {
		return err
	}
	if len(ips) == 0 {
		return fmt.Errorf("no addresses for %s", host)
	}

	// Prefer IPv4 when both families are allowed
	ip := ips[0]
	if p.network == "ip" {
		for _, cand := range ips {
			if isIPv4(cand) {
				ip = cand
				break
			}
		}
	}

	p.ipv4 = isIPv4(ip)
	p.ipaddr = &net.IPAddr{IP: ip, Zone: zone}

	return nil
}

func (p *Pinger) SetSource(addr string) {
	p.srcAddr = addr
}

// SetNetwork allows configuration of DNS resolution.
// * "ip" will automatically select IPv4 or IPv6.
// * "ip4" will select IPv4.
// * "ip6" will select IPv6.
func (p *Pinger) SetNetwork(n string) {
	switch n {
	case "ip4":
		p.network = "ip4"
	case "ip6":
		p.network = "ip6"
	default:
		p.network = "ip"
	}
}

// SetPrivileged sets the type of ping pinger will send.
// false means pinger will send an "unprivileged" UDP ping.
// true means pinger will send a "privileged" raw ICMP ping.
// NOTE: setting to true requires that it be run with super-user privileges.
func (p *Pinger) SetPrivileged(privileged bool) {
	if privileged {
		p.protocol = "icmp"
	} else {
		p.protocol = "udp"
	}
}

// Run sends Count requests and blocks until every reply arrived or timed
// out, or ctx is done.
func (p *Pinger) Run(ctx context.Context) error {
	if p.Size < timeSliceLength+trackerLength {
		return fmt.Errorf("size %d is less than minimum required size %d", p.Size, timeSliceLength+trackerLength)
	}
	if p.ipaddr == nil {
		if err := p.Resolve(ctx); err != nil {
			return err
		}
	}

	conn, err := p.listen()
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetTTL(p.TTL)

	p.done = make(chan interface{})
	return p.run(ctx, conn)
}

func (p *Pinger) run(ctx context.Context, conn packetConn) error {
	if err := conn.SetFlagTTL(); err != nil {
		return err
	}

	recv := make(chan *packet, 5)

	var g errgroup.Group

	g.Go(func() error {
		defer p.Stop()
		return p.recvICMP(conn, recv)
	})

	g.Go(func() error {
		defer p.Stop()
		return p.sendLoop(ctx, conn, recv)
	})

	return g.Wait()
}

func (p *Pinger) sendLoop(ctx context.Context, conn packetConn, recvCh <-chan *packet) error {
	for i := 0; i < p.Count; i++ {
		select {
		case <-p.done:
			return nil
		default:
		}

		tracker, seq := p.getCurrentTrackerUUID(), p.sequence
		if err := p.sendICMP(conn); err != nil {
			logrus.WithField("target", p.addr).Debug("Sending packet: ", err)
			p.sendErr = err
			continue
		}

		if err := p.awaitReply(ctx, recvCh, tracker, seq); err != nil {
			return err
		}
	}

	return nil
}

// awaitReply processes incoming packets until the request identified by
// tracker and seq is answered, reported unreachable, or Timeout elapses.
func (p *Pinger) awaitReply(ctx context.Context, recvCh <-chan *packet, tracker uuid.UUID, seq int) error {
	timer := time.NewTimer(p.Timeout)
	defer timer.Stop()

	unreachable := p.unreachable
	for {
		select {
		case <-p.done:
			return nil

		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			return nil

		case r := <-recvCh:
			if err := p.processPacket(r); err != nil {
				logrus.WithField("target", p.addr).Debug("Received packet: ", err)
			}
			if _, waiting := p.awaitingSequences[tracker][seq]; !waiting {
				return nil
			}
			if p.unreachable > unreachable {
				return nil
			}
		}
	}
}

func (p *Pinger) Stop() {
	p.lock.Lock()
	defer p.lock.Unlock()

	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

// Statistics returns the statistics of the pinger. This can be run while the
// pinger is running or after it is finished.
func (p *Pinger) Statistics() *Statistics {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	sent := p.PacketsSent
	loss := 100.0
	if sent > 0 {
		loss = float64(sent-p.PacketsRecv) / float64(sent) * 100
	}
	s := Statistics{
		PacketsSent:           sent,
		PacketsRecv:           p.PacketsRecv,
		PacketsRecvDuplicates: p.PacketsRecvDuplicates,
		PacketLoss:            loss,
		IPAddr:                p.ipaddr,
		MaxRtt:                p.maxRtt,
		MinRtt:                p.minRtt,
		AvgRtt:                p.avgRtt,
		StdDevRtt:             p.stdDevRtt,
	}
	return &s
}

// failure classifies a finished run. It returns nil when at least one reply
// arrived.
func (p *Pinger) failure(runErr error) *Failure {
	if runErr != nil && isPermission(runErr) {
		return &Failure{Kind: KindPermissionDenied, Err: runErr}
	}
	if p.PacketsRecv > 0 {
		return nil
	}
	if p.unreachable > 0 {
		return &Failure{Kind: KindUnreachable, Err: fmt.Errorf("destination %v unreachable", p.ipaddr)}
	}

	err := runErr
	if err == nil {
		err = p.sendErr
	}
	switch {
	case err == nil, errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &Failure{Kind: KindTimeout, Err: fmt.Errorf("no reply from %v within %v", p.ipaddr, p.Timeout)}
	case isPermission(err):
		return &Failure{Kind: KindPermissionDenied, Err: err}
	default:
		return &Failure{Kind: KindUnreachable, Err: err}
	}
}

type expBackoff struct {
	baseDelay time.Duration
	maxExp    int64
	c         int64
}

func (b *expBackoff) Get() time.Duration {
	if b.c < b.maxExp {
		b.c++
	}

	return b.baseDelay * time.Duration(rand.Int63n(1<<b.c))
}

func newExpBackoff(baseDelay time.Duration, maxExp int64) expBackoff {
	return expBackoff{baseDelay: baseDelay, maxExp: maxExp}
}

func (p *Pinger) recvICMP(
	conn packetConn,
	recv chan<- *packet,
) error {
	// Start by waiting for 50 µs and increase to a possible maximum of ~ 100 ms.
	expBackoff := newExpBackoff(50*time.Microsecond, 11)
	delay := expBackoff.Get()

	for {
		select {
		case <-p.done:
			return nil
		default:
			bytes := make([]byte, readBufferSize)
			if err := conn.SetReadDeadline(time.Now().Add(delay)); err != nil {
				return err
			}
			n, ttl, _, err := conn.ReadFrom(bytes)
			if err != nil {
				var neterr *net.OpError
				if errors.As(err, &neterr) && neterr.Timeout() {
					delay = expBackoff.Get()
					continue
				}
				return err
			}

			select {
			case <-p.done:
				return nil
			case recv <- &packet{bytes: bytes[:n], ttl: ttl}:
			}
		}
	}
}

// getPacketUUID scans the tracking slice for matches.
func (p *Pinger) getPacketUUID(pkt []byte) (*uuid.UUID, error) {
	var packetUUID uuid.UUID
	err := packetUUID.UnmarshalBinary(pkt[timeSliceLength : timeSliceLength+trackerLength])
	if err != nil {
		return nil, fmt.Errorf("error decoding tracking UUID: %w", err)
	}

	for _, item := range p.trackerUUIDs {
		if item == packetUUID {
			return &packetUUID, nil
		}
	}
	return nil, nil
}

// getCurrentTrackerUUID grabs the latest tracker UUID.
func (p *Pinger) getCurrentTrackerUUID() uuid.UUID {
	return p.trackerUUIDs[len(p.trackerUUIDs)-1]
}

// matchID reports whether an echo identifier belongs to this Pinger. The
// kernel rewrites identifiers of unprivileged datagram sockets, so those are
// matched by tracker UUID alone.
func (p *Pinger) matchID(id int) bool {
	if p.protocol == "icmp" && id != p.id {
		return false
	}
	return true
}

func (p *Pinger) processPacket(recv *packet) error {
	receivedAt := time.Now()
	proto := protocolICMP
	if !p.ipv4 {
		proto = protocolIPv6ICMP
	}

	m, err := icmp.ParseMessage(proto, recv.bytes)
	if err != nil {
		return fmt.Errorf("error parsing icmp message: %w", err)
	}

	switch m.Type {
	case ipv4.ICMPTypeEchoReply, ipv6.ICMPTypeEchoReply:
	case ipv4.ICMPTypeDestinationUnreachable, ipv6.ICMPTypeDestinationUnreachable:
		if body, ok := m.Body.(*icmp.DstUnreach); ok && p.matchUnreachable(body.Data) {
			p.unreachable++
		}
		return nil
	default:
		return nil
	}

	pkt, ok := m.Body.(*icmp.Echo)
	if !ok {
		return fmt.Errorf("invalid ICMP echo reply; type: '%T', '%v'", m.Body, m.Body)
	}
	if !p.matchID(pkt.ID) {
		return nil
	}
	if len(pkt.Data) < timeSliceLength+trackerLength {
		return fmt.Errorf("insufficient data received; got: %d %v", len(pkt.Data), pkt.Data)
	}

	pktUUID, err := p.getPacketUUID(pkt.Data)
	if err != nil || pktUUID == nil {
		return err
	}

	// If we've already received this sequence, ignore it.
	if _, inflight := p.awaitingSequences[*pktUUID][pkt.Seq]; !inflight {
		p.statsMu.Lock()
		p.PacketsRecvDuplicates++
		p.statsMu.Unlock()
		return nil
	}
	// remove it from the list of sequences we're waiting for so we don't get duplicates.
	delete(p.awaitingSequences[*pktUUID], pkt.Seq)

	sentAt := bytesToTime(pkt.Data[:timeSliceLength])
	rtt := receivedAt.Sub(sentAt)
	p.updateStatistics(rtt)
	logrus.WithFields(logrus.Fields{"target": p.addr, "seq": pkt.Seq, "ttl": recv.ttl}).Trace("Echo reply in ", rtt)

	return nil
}

// matchUnreachable inspects the datagram quoted in a destination
// unreachable message and reports whether it was one of our requests.
func (p *Pinger) matchUnreachable(data []byte) bool {
	var inner []byte
	if p.ipv4 {
		h, err := ipv4.ParseHeader(data)
		if err != nil || !h.Dst.Equal(p.ipaddr.IP) || h.Len > len(data) {
			return false
		}
		inner = data[h.Len:]
	} else {
		h, err := ipv6.ParseHeader(data)
		if err != nil || !h.Dst.Equal(p.ipaddr.IP) {
			return false
		}
		inner = data[ipv6.HeaderLen:]
	}
	if len(inner) < 8 {
		return false
	}

	return p.matchID(int(binary.BigEndian.Uint16(inner[4:6])))
}

func (p *Pinger) sendICMP(conn packetConn) (err error) {
	var dst net.Addr = p.ipaddr
	if p.protocol == "udp" {
		dst = &net.UDPAddr{IP: p.ipaddr.IP, Zone: p.ipaddr.Zone}
	}

	currentUUID := p.getCurrentTrackerUUID()
	uuidEncoded, err := currentUUID.MarshalBinary()
	if err != nil {
		return fmt.Errorf("unable to marshal UUID binary: %w", err)
	}
	t := append(timeToBytes(time.Now()), uuidEncoded...)
	if remainSize := p.Size - timeSliceLength - trackerLength; remainSize > 0 {
		t = append(t, bytes.Repeat([]byte{1}, remainSize)...)
	}

	msg := &icmp.Message{
		Type: conn.ICMPRequestType(),
		Code: 0,
		Body: &icmp.Echo{
			ID:   p.id,
			Seq:  p.sequence,
			Data: t,
		},
	}

	msgBytes, err := msg.Marshal(nil)
	if err != nil {
		return err
	}

	for i := 0; i < sendRetries; i++ {
		if _, err = conn.WriteTo(msgBytes, dst); err == nil || !errors.Is(err, syscall.ENOBUFS) {
			break
		}
	}

	if err == nil {
		// mark this sequence as in-flight
		p.awaitingSequences[currentUUID][p.sequence] = struct{}{}
	}
	p.statsMu.Lock()
	p.PacketsSent++
	p.statsMu.Unlock()
	p.sequence++
	if p.sequence > 65535 {
		newUUID := uuid.New()
		p.trackerUUIDs = append(p.trackerUUIDs, newUUID)
		p.awaitingSequences[newUUID] = make(map[int]struct{})
		p.sequence = 0
	}

	return err
}

func (p *Pinger) listen() (packetConn, error) {
	var (
		conn packetConn
		err  error
	)

	if p.ipv4 {
		var c icmpv4Conn
		c.c, err = icmp.ListenPacket(ipv4Proto[p.protocol], p.srcAddr)
		conn = &c
	} else {
		var c icmpV6Conn
		c.c, err = icmp.ListenPacket(ipv6Proto[p.protocol], p.srcAddr)
		conn = &c
	}

	if err != nil {
		p.Stop()
		return nil, err
	}
	return conn, nil
}

func isPermission(err error) bool {
	return errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EACCES)
}

func bytesToTime(b []byte) time.Time {
	nsec := int64(binary.BigEndian.Uint64(b))
	return time.Unix(nsec/int64(time.Second), nsec%int64(time.Second))
}

func isIPv4(ip net.IP) bool {
	return len(ip.To4()) == net.IPv4len
}

func timeToBytes(t time.Time) []byte {
	b := make([]byte, timeSliceLength)
	binary.BigEndian.PutUint64(b, uint64(t.UnixNano()))
	return b
}

var seed int64 = time.Now().UnixNano()

// getSeed returns a goroutine-safe unique seed
func getSeed() int64 {
	return atomic.AddInt64(&seed, 1)
}
