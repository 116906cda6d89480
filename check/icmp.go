package check

import (
	"context"
	"time"
)

// ICMP is the Prober backed by Pinger. The zero value sends unprivileged
// datagram echo requests from any source address.
type ICMP struct {
	// Privileged selects raw ICMP sockets, which need CAP_NET_RAW or root
	Privileged bool

	// Source is the local address to send from, empty for any
	Source string

	// Network restricts resolution to "ip4" or "ip6"
	Network string

	// resolver replaces net.DefaultResolver in tests
	resolver resolver
}

// Probe resolves host and sends count echo requests, each bounded by timeout.
// Resolution gets one timeout of its own.
func (c *ICMP) Probe(ctx context.Context, host string, timeout time.Duration, count int) (res Result) {
	res = Result{Host: host, Timestamp: time.Now()}

	pinger := newPinger(host)
	if c.resolver != nil {
		pinger.resolver = c.resolver
	}
	pinger.SetNetwork(c.Network)

	rctx, cancel := context.WithTimeout(ctx, timeout)
	err := pinger.Resolve(rctx)
	cancel()
	if err != nil {
		res.PacketLoss = 100
		res.Failure = &Failure{Kind: KindResolutionFailure, Err: err}
		return
	}

	pinger.Count = count
	pinger.Timeout = timeout
	pinger.SetPrivileged(c.Privileged)
	pinger.SetSource(c.Source)

	err = pinger.Run(ctx)
	res.Statistics = *pinger.Statistics()
	res.Failure = pinger.failure(err)

	return
}
