package monitor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thetooth/icmp-logger/check"
	"github.com/thetooth/icmp-logger/config"
)

// Sink receives every probe result.
type Sink interface {
	Write(res check.Result) error
}

// Scheduler probes a single host on its own interval. A cycle starts
// Interval after the start of the previous one, or right away when the
// previous probe overran.
type Scheduler struct {
	Host   config.Host
	Prober check.Prober
	Sink   Sink
	Log    logrus.FieldLogger
}

// Run probes immediately and then once per interval until ctx is done. A
// probe in flight when ctx is cancelled is completed and its result
// delivered before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	log := s.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("host", s.Host.Address)
	for {
		start := time.Now()
		s.cycle(log)

		if ctx.Err() != nil {
			log.Debug("[ SCHEDULER_STOP ]")
			return
		}

		done := time.Now()
		wait := nextStart(start, s.Host.Interval.Duration, done).Sub(done)
		if wait <= 0 {
			log.Debug("[ SCHEDULER_OVERRUN ] Probe took longer than the interval")
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Debug("[ SCHEDULER_STOP ]")
			return
		case <-timer.C:
		}
	}
}

// cycle runs one probe and hands the result to the sink. The probe is not
// tied to the scheduler's context so a shutdown never cuts it short.
func (s *Scheduler) cycle(log logrus.FieldLogger) {
	h := s.Host
	ctx, cancel := context.WithTimeout(context.Background(), probeDeadline(h))
	res := s.Prober.Probe(ctx, h.Address, h.Timeout.Duration, h.Count)
	cancel()

	if res.Failure != nil {
		log.WithField("kind", res.Failure.Kind).Debug("[ PROBE_FAIL ] ", res.Failure.Err)
	} else {
		log.Debugf("[ PROBE_OK ] %d/%d avg %v", res.PacketsRecv, res.PacketsSent, res.AvgRtt)
	}

	if err := s.Sink.Write(res); err != nil {
		log.Debug("Result not written: ", err)
	}
}

// probeDeadline bounds a whole cycle: every request may wait Timeout, plus
// one Timeout of slack for socket setup and resolution.
func probeDeadline(h config.Host) time.Duration {
	return h.Timeout.Duration * time.Duration(h.Count+1)
}

// nextStart returns when the cycle after one started at prev is due. Cycles
// never overlap: if that moment has already passed the next cycle is due now.
func nextStart(prev time.Time, interval time.Duration, now time.Time) time.Time {
	next := prev.Add(interval)
	if next.Before(now) {
		return now
	}
	return next
}
