package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/thetooth/icmp-logger/check"
	"github.com/thetooth/icmp-logger/config"
)

var (
	// ErrNoHosts is returned by Start when no configured host can be probed.
	ErrNoHosts = errors.New("no runnable hosts")

	// ErrGraceExceeded is returned by Shutdown when a probe outlived the
	// grace period.
	ErrGraceExceeded = errors.New("shutdown grace period exceeded")
)

// ResultSink is the shared destination of every scheduler.
type ResultSink interface {
	Sink
	Close() error
}

// ProberFactory builds the prober used for one host.
type ProberFactory func(h config.Host) (check.Prober, error)

// Coordinator runs one Scheduler per host against a shared sink.
type Coordinator struct {
	hosts     []config.Host
	newProber ProberFactory
	sink      ResultSink
	log       logrus.FieldLogger

	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

func New(hosts []config.Host, newProber ProberFactory, sink ResultSink, log logrus.FieldLogger) *Coordinator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{
		hosts:     hosts,
		newProber: newProber,
		sink:      sink,
		log:       log,
		done:      make(chan struct{}),
	}
}

// Start launches the schedulers and returns immediately. Hosts whose prober
// cannot be built are skipped.
func (c *Coordinator) Start(ctx context.Context) error {
	var schedulers []*Scheduler
	for _, h := range c.hosts {
		p, err := c.newProber(h)
		if err != nil {
			c.log.WithField("host", h.Address).Warn("[ HOST_SKIP ] ", err)
			continue
		}
		schedulers = append(schedulers, &Scheduler{Host: h, Prober: p, Sink: c.sink, Log: c.log})
	}
	if len(schedulers) == 0 {
		return ErrNoHosts
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.group = new(errgroup.Group)
	for _, s := range schedulers {
		s := s
		c.group.Go(func() error {
			s.Run(ctx)
			return nil
		})
	}
	go func() {
		c.group.Wait()
		close(c.done)
	}()

	c.log.Info("[ MONITOR_START ] Probing ", len(schedulers), " hosts")
	return nil
}

// Done is closed once every scheduler has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Shutdown stops the schedulers, waits up to grace for in-flight probes and
// closes the sink. Later calls return the outcome of the first.
func (c *Coordinator) Shutdown(grace time.Duration) error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.shutdown(grace)
	})
	return c.shutdownErr
}

func (c *Coordinator) shutdown(grace time.Duration) (err error) {
	if c.cancel != nil {
		c.cancel()

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-c.done:
			c.log.Info("[ MONITOR_STOP ] All probes finished")
		case <-timer.C:
			c.log.Warn("[ MONITOR_STOP ] Probes still running after ", grace)
			err = ErrGraceExceeded
		}
	}

	if cerr := c.sink.Close(); cerr != nil {
		c.log.Error("[ MONITOR_STOP ] Closing log: ", cerr)
		if err == nil {
			err = cerr
		}
	}
	return err
}
