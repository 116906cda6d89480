package monitor

import (
	"bufio"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thetooth/icmp-logger/check"
	"github.com/thetooth/icmp-logger/config"
	"github.com/thetooth/icmp-logger/logfile"
)

func fixedFactory(p check.Prober) ProberFactory {
	return func(config.Host) (check.Prober, error) { return p, nil }
}

func TestCoordinatorNoHosts(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sink := &memSink{}

	c := New([]config.Host{host("eth9-target", time.Minute)}, func(config.Host) (check.Prober, error) {
		return nil, errors.New("interface eth9 not found")
	}, sink, logger)

	assert.ErrorIs(t, c.Start(context.Background()), ErrNoHosts)
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "HOST_SKIP")
	assert.NoError(t, c.Shutdown(time.Second))
	assert.Equal(t, 1, sink.closed)
}

func TestCoordinatorSkipsBrokenHost(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sink := &memSink{}
	ok := check.ProberFunc(func(ctx context.Context, h string, timeout time.Duration, count int) check.Result {
		return okResult(h, count)
	})

	c := New([]config.Host{host("8.8.8.8", time.Hour), host("fe80::1", time.Hour)}, func(h config.Host) (check.Prober, error) {
		if h.Address == "fe80::1" {
			return nil, errors.New("no source address")
		}
		return ok, nil
	}, sink, logger)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return sink.count("8.8.8.8") == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Shutdown(time.Second))
	assert.Equal(t, 0, sink.count("fe80::1"))
}

func TestCoordinatorSlowHostDoesNotDelayOthers(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sink := &memSink{}

	release := make(chan struct{})
	prober := check.ProberFunc(func(ctx context.Context, h string, timeout time.Duration, count int) check.Result {
		if h == "7.7.7.7" {
			<-release
			return check.Result{
				Host:       h,
				Timestamp:  time.Now(),
				Statistics: check.Statistics{PacketsSent: count, PacketLoss: 100},
				Failure:    &check.Failure{Kind: check.KindTimeout},
			}
		}
		return okResult(h, count)
	})

	c := New([]config.Host{host("7.7.7.7", 10*time.Millisecond), host("1.1.1.1", 10*time.Millisecond)}, fixedFactory(prober), sink, logger)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return sink.count("1.1.1.1") >= 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, sink.count("7.7.7.7"))

	close(release)
	require.NoError(t, c.Shutdown(time.Second))
	assert.GreaterOrEqual(t, sink.count("7.7.7.7"), 1)
}

func TestCoordinatorGraceExceeded(t *testing.T) {
	logger, hook := test.NewNullLogger()
	sink := &memSink{}

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	prober := check.ProberFunc(func(ctx context.Context, h string, timeout time.Duration, count int) check.Result {
		close(started)
		<-release
		return okResult(h, count)
	})

	c := New([]config.Host{host("8.8.8.8", time.Hour)}, fixedFactory(prober), sink, logger)
	require.NoError(t, c.Start(context.Background()))
	<-started

	assert.ErrorIs(t, c.Shutdown(20*time.Millisecond), ErrGraceExceeded)
	assert.Contains(t, hook.LastEntry().Message, "MONITOR_STOP")
	assert.Equal(t, 1, sink.closed)

	// The outcome is remembered.
	assert.ErrorIs(t, c.Shutdown(time.Second), ErrGraceExceeded)
	assert.Equal(t, 1, sink.closed)
}

func TestCoordinatorEndToEnd(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dir := t.TempDir()
	now := time.Now()

	rot := logfile.New(logfile.Options{Dir: dir, Log: logger})
	require.NoError(t, rot.Start())

	prober := check.ProberFunc(func(ctx context.Context, h string, timeout time.Duration, count int) check.Result {
		if h == "7.7.7.7" {
			return check.Result{
				Host:       h,
				Timestamp:  time.Now(),
				Statistics: check.Statistics{PacketsSent: count, PacketLoss: 100},
				Failure:    &check.Failure{Kind: check.KindTimeout},
			}
		}
		return okResult(h, count)
	})

	c := New([]config.Host{host("8.8.8.8", time.Hour), host("7.7.7.7", time.Hour)}, fixedFactory(prober), rot, logger)
	require.NoError(t, c.Start(context.Background()))

	path := rot.Path(now)
	require.Eventually(t, func() bool { return countLines(t, path) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Shutdown(time.Second))
	require.NoError(t, c.Shutdown(time.Second))
	<-c.Done()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	recs := map[string]logfile.Record{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		rec, err := logfile.ParseRecord(sc.Text())
		require.NoError(t, err)
		_, dup := recs[rec.Host]
		assert.False(t, dup, "duplicate record for %s", rec.Host)
		recs[rec.Host] = rec
	}
	require.NoError(t, sc.Err())
	require.Len(t, recs, 2)

	assert.Equal(t, 2, recs["8.8.8.8"].Sent)
	assert.Equal(t, 2, recs["8.8.8.8"].Recv)
	assert.True(t, recs["8.8.8.8"].HasRTT)
	assert.Empty(t, recs["8.8.8.8"].Failure)

	assert.Equal(t, 2, recs["7.7.7.7"].Sent)
	assert.Equal(t, 0, recs["7.7.7.7"].Recv)
	assert.False(t, recs["7.7.7.7"].HasRTT)
	assert.Equal(t, check.KindTimeout, recs["7.7.7.7"].Failure)

	// Writes after shutdown are refused.
	assert.ErrorIs(t, rot.Write(okResult("8.8.8.8", 2)), logfile.ErrClosed)
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	n := 0
	for _, c := range b {
		if c == '\n' {
			n++
		}
	}
	return n
}
