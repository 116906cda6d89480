package logfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/thetooth/icmp-logger/check"
)

var (
	// ErrClosed is returned by writes issued after Close.
	ErrClosed = errors.New("log rotator closed")

	// ErrUnavailable is returned while the log destination is failing and the
	// next reopen attempt is not due yet.
	ErrUnavailable = errors.New("log destination unavailable")
)

type Options struct {
	// Dir holds the monthly files, it is created when missing
	Dir string

	// Prefix names the files: <Prefix>_YYYY-MM.log
	Prefix string

	// Retain is the number of previous months kept after a rotation, zero
	// keeps everything
	Retain int

	// RetryInterval spaces reopen attempts while the destination is failing
	RetryInterval time.Duration

	// StartupAttempts and StartupDelay control the writability check in Start
	StartupAttempts int
	StartupDelay    time.Duration

	// Watch removes the handle of an active file deleted or renamed by
	// another process, so the next write recreates it
	Watch bool

	Now func() time.Time
	Log logrus.FieldLogger
}

func (o *Options) setDefaults() {
	if o.Prefix == "" {
		o.Prefix = "ping_monitor"
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = 30 * time.Second
	}
	if o.StartupAttempts <= 0 {
		o.StartupAttempts = 3
	}
	if o.StartupDelay == 0 {
		o.StartupDelay = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
}

// Rotator funnels probe results from any number of goroutines into the file
// of the current month. A single goroutine owns the open file; callers hand
// it work over a channel, so checking the month, rotating and appending
// happen as one step.
type Rotator struct {
	opts Options
	log  logrus.FieldLogger

	reqs chan *request
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
	closeErr  error

	// owned by loop
	active      *Writer
	year        int
	month       time.Month
	failing     bool
	lastAttempt time.Time
	watcher     *fsnotify.Watcher
}

type request struct {
	fn  func() error
	ack chan error
}

// New returns a running Rotator. No file is opened until Start or the first
// Write.
func New(opts Options) *Rotator {
	opts.setDefaults()

	r := &Rotator{
		opts: opts,
		log:  opts.Log.WithField("dir", opts.Dir),
		reqs: make(chan *request),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go r.loop()

	return r
}

// Path returns the file holding records written during the month of t.
func (r *Rotator) Path(t time.Time) string {
	return filepath.Join(r.opts.Dir, fmt.Sprintf("%s_%04d-%02d.log", r.opts.Prefix, t.Year(), int(t.Month())))
}

// Start checks that the destination is writable by opening the file of the
// current month, retrying a few times. An error means records cannot be
// persisted at all.
func (r *Rotator) Start() error {
	return r.do(func() (err error) {
		for attempt := 1; attempt <= r.opts.StartupAttempts; attempt++ {
			if err = r.rotate(r.opts.Now()); err == nil {
				break
			}
			if attempt < r.opts.StartupAttempts {
				time.Sleep(r.opts.StartupDelay)
			}
		}
		if err != nil {
			return fmt.Errorf("log destination %s is not writable: %w", r.opts.Dir, err)
		}

		if r.opts.Watch {
			r.watch()
		}
		return nil
	})
}

// Write appends res to the file of the current month and returns once the
// line is on disk.
func (r *Rotator) Write(res check.Result) error {
	return r.do(func() error {
		return r.write(res)
	})
}

// Close drains pending writes and closes the active file. It is safe to call
// more than once; later calls return the result of the first.
func (r *Rotator) Close() error {
	r.closeOnce.Do(func() {
		close(r.quit)
		<-r.done
	})
	return r.closeErr
}

func (r *Rotator) do(fn func() error) error {
	req := &request{fn: fn, ack: make(chan error, 1)}
	select {
	case r.reqs <- req:
	case <-r.done:
		return ErrClosed
	}
	return <-req.ack
}

func (r *Rotator) loop() {
	defer close(r.done)

	for {
		var (
			events <-chan fsnotify.Event
			errs   <-chan error
		)
		if r.watcher != nil {
			events, errs = r.watcher.Events, r.watcher.Errors
		}

		select {
		case req := <-r.reqs:
			req.ack <- req.fn()

		case ev, ok := <-events:
			if !ok {
				r.watcher = nil
				continue
			}
			r.handleEvent(ev)

		case err, ok := <-errs:
			if !ok {
				r.watcher = nil
				continue
			}
			r.log.Warn("[ LOG_WATCH ] ", err)

		case <-r.quit:
			r.shutdown()
			return
		}
	}
}

// shutdown serves writers that were already waiting, then releases the file.
func (r *Rotator) shutdown() {
	for {
		select {
		case req := <-r.reqs:
			req.ack <- req.fn()
			continue
		default:
		}
		break
	}

	if r.watcher != nil {
		r.watcher.Close()
		r.watcher = nil
	}
	if r.active != nil {
		r.closeErr = r.active.Close()
		r.active = nil
	}
}

func (r *Rotator) write(res check.Result) error {
	now := r.opts.Now()
	if err := r.ensure(now); err != nil {
		return err
	}

	line, err := Format(res, now)
	if err != nil {
		return err
	}

	if err := r.active.Append(line); err != nil {
		r.fail(now, fmt.Errorf("append to %s: %w", r.active.Path(), err))
		return err
	}
	return nil
}

// ensure makes the file of now's month the active one.
func (r *Rotator) ensure(now time.Time) error {
	if r.active != nil && now.Year() == r.year && now.Month() == r.month {
		return nil
	}
	if r.failing && now.Sub(r.lastAttempt) < r.opts.RetryInterval {
		return ErrUnavailable
	}
	return r.rotate(now)
}

// rotate closes the active file before opening the one for now's month.
func (r *Rotator) rotate(now time.Time) error {
	prev := r.active
	if prev != nil {
		if err := prev.Close(); err != nil {
			r.log.Warn("[ LOG_ROTATE ] Closing ", prev.Path(), ": ", err)
		}
		r.active = nil
	}

	r.lastAttempt = now
	_, statErr := os.Stat(r.opts.Dir)
	path := r.Path(now)
	w, err := OpenWriter(path)
	if err != nil {
		r.fail(now, err)
		return err
	}

	r.active, r.year, r.month = w, now.Year(), now.Month()
	if r.failing {
		r.failing = false
		r.log.Info("[ LOG_RECOVER ] Writing to ", path)
	}
	if prev != nil {
		r.log.Info("[ LOG_ROTATE ] ", prev.Path(), " -> ", path)
	}
	if errors.Is(statErr, fs.ErrNotExist) {
		r.rewatch()
	}
	r.prune()

	return nil
}

// fail drops the active file and reports the outage once.
func (r *Rotator) fail(now time.Time, err error) {
	if r.active != nil {
		r.active.Close()
		r.active = nil
	}
	r.lastAttempt = now

	if !r.failing {
		r.failing = true
		r.log.Error("[ LOG_FAIL ] Records are dropped until the destination recovers: ", err)
	}
}
