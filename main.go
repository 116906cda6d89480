package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thetooth/icmp-logger/check"
	"github.com/thetooth/icmp-logger/config"
	"github.com/thetooth/icmp-logger/logfile"
	"github.com/thetooth/icmp-logger/monitor"
	"github.com/thetooth/icmp-logger/util"
)

var (
	path         string
	logDir       string
	logLevel     string
	grace        time.Duration
	unprivileged bool
)

func main() {
	flag.StringVar(&path, "config", "config.json", "Path to monitor configuration")
	flag.StringVar(&logDir, "log-dir", "", "Directory for monthly result files, overrides log_dir")
	flag.StringVar(&logLevel, "log-level", "", "Diagnostic log level, overrides log_level")
	flag.DurationVar(&grace, "grace", 0, "Time allowed for in-flight probes on shutdown, overrides shutdown_grace")
	flag.BoolVar(&unprivileged, "unprivileged", false, "Use datagram ICMP sockets instead of raw sockets")
	flag.Parse()

	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, _ := config.LoadOrDefault(path, logrus.StandardLogger())
	applyFlags(cfg)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Warn("[ CONFIG ] ", err, ", using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	hosts := cfg.ResolveHosts(logrus.StandardLogger())
	for _, h := range hosts {
		logrus.Debug("[ CONFIG ] ", h)
	}

	rot := logfile.New(logfile.Options{
		Dir:    cfg.LogDir,
		Prefix: cfg.LogPrefix,
		Retain: cfg.LogRetain,
		Watch:  true,
	})
	if err := rot.Start(); err != nil {
		logrus.Error("[ LOG_FAIL ] ", err)
		rot.Close()
		os.Exit(1)
	}

	mon := monitor.New(hosts, newProber(!cfg.Unprivileged), rot, logrus.StandardLogger())
	if err := mon.Start(context.Background()); err != nil {
		logrus.Error("[ EXIT ] ", err)
		mon.Shutdown(cfg.ShutdownGrace.Duration)
		os.Exit(1)
	}

	// Control signals, repeats are absorbed by the buffer
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	sig := <-c
	logrus.Info("[ EXIT_CLEANUP ] ", sig)
	if err := mon.Shutdown(cfg.ShutdownGrace.Duration); err != nil {
		logrus.Error("[ EXIT ] ", err)
		os.Exit(1)
	}
}

func applyFlags(cfg *config.Config) {
	if logDir != "" {
		cfg.LogDir = logDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if grace > 0 {
		cfg.ShutdownGrace.Duration = grace
	}
	if unprivileged {
		cfg.Unprivileged = true
	}
}

// newProber binds each host to its source interface, when one is set.
func newProber(privileged bool) monitor.ProberFactory {
	return func(h config.Host) (check.Prober, error) {
		p := &check.ICMP{Privileged: privileged}
		if h.Interface == "" {
			return p, nil
		}

		ipv6 := util.IsIPv6(h.Address)
		src, err := util.BindIface(h.Interface, ipv6)
		if err != nil {
			return nil, err
		}
		p.Source = src
		p.Network = "ip4"
		if ipv6 {
			p.Network = "ip6"
		}
		return p, nil
	}
}
