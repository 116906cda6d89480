package check

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Prober runs one probe cycle against a host. Implementations never return
// an error, every failure is carried by the Result.
type Prober interface {
	Probe(ctx context.Context, host string, timeout time.Duration, count int) Result
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, host string, timeout time.Duration, count int) Result

func (f ProberFunc) Probe(ctx context.Context, host string, timeout time.Duration, count int) Result {
	return f(ctx, host, timeout, count)
}

// Kind classifies why a probe cycle got no replies.
type Kind string

const (
	KindTimeout           Kind = "timeout"
	KindUnreachable       Kind = "unreachable"
	KindResolutionFailure Kind = "resolution_failure"
	KindPermissionDenied  Kind = "permission_denied"
)

// Failure is the reason attached to a failed Result.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Result is the outcome of one probe cycle.
type Result struct {
	// Host is the configured address, as given
	Host string

	// Timestamp is when the cycle started
	Timestamp time.Time

	Statistics

	// Failure is set when no reply was received
	Failure *Failure
}

// HasRTT reports whether the round trip statistics carry values.
func (r Result) HasRTT() bool {
	return r.PacketsRecv > 0
}

// Statistics represent the stats of a finished probe cycle
type Statistics struct {
	// PacketsRecv is the number of packets received.
	PacketsRecv int

	// PacketsSent is the number of packets sent.
	PacketsSent int

	// PacketsRecvDuplicates is the number of duplicate responses there were to a sent packet.
	PacketsRecvDuplicates int

	// PacketLoss is the percentage of packets lost.
	PacketLoss float64

	// IPAddr is the resolved address of the host, nil when resolution failed.
	IPAddr *net.IPAddr

	// MinRtt is the minimum round-trip time of the cycle.
	MinRtt time.Duration

	// MaxRtt is the maximum round-trip time of the cycle.
	MaxRtt time.Duration

	// AvgRtt is the average round-trip time of the cycle.
	AvgRtt time.Duration

	// StdDevRtt is the standard deviation of the round-trip times of the
	// cycle.
	StdDevRtt time.Duration
}
