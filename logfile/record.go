package logfile

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thetooth/icmp-logger/check"
)

const recordMessage = "probe"

var recordFormatter = &logrus.TextFormatter{
	DisableColors:    true,
	FullTimestamp:    true,
	TimestampFormat:  time.RFC3339Nano,
	QuoteEmptyFields: true,
}

// Record is one line of a result log file.
type Record struct {
	// Written is when the line was appended
	Written time.Time

	Host      string
	ProbeTime time.Time
	Sent      int
	Recv      int
	Loss      float64

	// HasRTT is false when no reply arrived, the durations are zero then
	HasRTT    bool
	MinRtt    time.Duration
	AvgRtt    time.Duration
	MaxRtt    time.Duration
	StdDevRtt time.Duration

	// Failure is empty for successful probes
	Failure check.Kind
	Reason  string
}

// Format renders res as a single newline terminated line stamped with written.
func Format(res check.Result, written time.Time) (string, error) {
	fields := logrus.Fields{
		"host":       res.Host,
		"probe_time": res.Timestamp.Format(time.RFC3339Nano),
		"sent":       res.PacketsSent,
		"recv":       res.PacketsRecv,
		"loss":       strconv.FormatFloat(res.PacketLoss, 'f', -1, 64),
	}
	if res.HasRTT() {
		fields["rtt_min"] = res.MinRtt.String()
		fields["rtt_avg"] = res.AvgRtt.String()
		fields["rtt_max"] = res.MaxRtt.String()
		fields["rtt_stddev"] = res.StdDevRtt.String()
	} else {
		fields["rtt"] = "none"
	}

	level := logrus.InfoLevel
	if res.Failure != nil {
		level = logrus.WarnLevel
		fields["error"] = string(res.Failure.Kind)
		if res.Failure.Err != nil {
			fields["reason"] = res.Failure.Err.Error()
		}
	}

	b, err := recordFormatter.Format(&logrus.Entry{
		Data:    fields,
		Time:    written,
		Level:   level,
		Message: recordMessage,
	})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseRecord reads back a line produced by Format.
func ParseRecord(line string) (rec Record, err error) {
	fields, err := splitFields(strings.TrimRight(line, "\n"))
	if err != nil {
		return
	}
	if fields["msg"] != recordMessage {
		err = fmt.Errorf("not a probe record: %q", line)
		return
	}

	if rec.Written, err = time.Parse(time.RFC3339Nano, fields["time"]); err != nil {
		return
	}
	if rec.ProbeTime, err = time.Parse(time.RFC3339Nano, fields["probe_time"]); err != nil {
		return
	}
	rec.Host = fields["host"]
	if rec.Sent, err = strconv.Atoi(fields["sent"]); err != nil {
		return
	}
	if rec.Recv, err = strconv.Atoi(fields["recv"]); err != nil {
		return
	}
	if rec.Loss, err = strconv.ParseFloat(fields["loss"], 64); err != nil {
		return
	}

	if fields["rtt"] != "none" {
		rec.HasRTT = true
		for key, dst := range map[string]*time.Duration{
			"rtt_min":    &rec.MinRtt,
			"rtt_avg":    &rec.AvgRtt,
			"rtt_max":    &rec.MaxRtt,
			"rtt_stddev": &rec.StdDevRtt,
		} {
			if *dst, err = time.ParseDuration(fields[key]); err != nil {
				err = fmt.Errorf("field %s: %w", key, err)
				return
			}
		}
	}

	rec.Failure = check.Kind(fields["error"])
	rec.Reason = fields["reason"]
	return
}

// splitFields breaks a key=value line into its fields. Values are either
// bare words or Go quoted strings.
func splitFields(line string) (map[string]string, error) {
	fields := make(map[string]string)
	s := line
	for {
		s = strings.TrimLeft(s, " ")
		if s == "" {
			return fields, nil
		}

		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed field %q", s)
		}
		key := s[:eq]
		s = s[eq+1:]

		if strings.HasPrefix(s, `"`) {
			quoted, err := strconv.QuotedPrefix(s)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", key, err)
			}
			if fields[key], err = strconv.Unquote(quoted); err != nil {
				return nil, fmt.Errorf("field %s: %w", key, err)
			}
			s = s[len(quoted):]
			continue
		}

		end := strings.IndexByte(s, ' ')
		if end < 0 {
			end = len(s)
		}
		fields[key] = s[:end]
		s = s[end:]
	}
}
