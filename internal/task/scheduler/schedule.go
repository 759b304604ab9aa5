package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind tells cron expressions from fixed intervals.
type ScheduleKind int

const (
	KindCron ScheduleKind = iota
	KindInterval
)

func (k ScheduleKind) String() string {
	if k == KindCron {
		return "cron"
	}
	return "interval"
}

// Schedule is a parsed recurrence.
//
// Accepted forms:
//   - cron: "*/5 * * * *", "30 9 * * 1", "@daily", "@every 55m"
//   - Go duration: "55m", "2h30m"
//   - HH:MM interval: "00:50" (50 minutes), "24:00" (one day)
//
// "cron:" forces cron parsing; "every:" or "interval:" forces an interval.
type Schedule struct {
	Kind   ScheduleKind
	Expr   string        // cron expression, empty for intervals
	Every  time.Duration // interval, zero for cron
	Source string        // "cron" | "duration" | "hhmm"

	cron cron.Schedule
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses raw into a Schedule whose Next computes deadlines.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	}

	// whitespace or a descriptor means cron
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	sch, err := parseInterval(s)
	if err != nil {
		return Schedule{}, fmt.Errorf(
			"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')", raw)
	}
	return sch, nil
}

// MustParseSchedule is ParseSchedule for constant schedules.
func MustParseSchedule(raw string) Schedule {
	s, err := ParseSchedule(raw)
	if err != nil {
		panic(err)
	}
	return s
}

func parseCron(expr string) (Schedule, error) {
	if expr == "" {
		return Schedule{}, fmt.Errorf("cron expression required")
	}
	c, err := cron.ParseStandard(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Kind: KindCron, Expr: expr, Source: "cron", cron: c}, nil
}

func parseInterval(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Schedule{}, fmt.Errorf("interval required")
	}
	var (
		d   time.Duration
		src string
	)
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return Schedule{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d, src = time.Duration(hh)*time.Hour+time.Duration(mm)*time.Minute, "hhmm"
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return Schedule{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m')", v)
		}
		src = "duration"
	}
	if d <= 0 {
		return Schedule{}, fmt.Errorf("interval must be > 0")
	}
	return Schedule{Kind: KindInterval, Every: d, Source: src, cron: cron.Every(d)}, nil
}

// Next returns the first activation strictly after t.
// The zero Schedule never fires.
func (s Schedule) Next(after time.Time) (time.Time, bool) {
	if s.cron == nil {
		return time.Time{}, false
	}
	if s.Kind == KindInterval {
		// cron.Every truncates to whole seconds and rounds up sub-second
		// intervals; keep the exact duration instead.
		return after.Add(s.Every), true
	}
	next := s.cron.Next(after)
	return next, !next.IsZero()
}

func (s Schedule) String() string {
	if s.Kind == KindCron {
		return s.Expr
	}
	return s.Every.String()
}

// Every is a Recurring helper for payloads that store their schedule as text.
// An empty or invalid spec never recurs.
func Every(spec string, after time.Time) (time.Time, bool) {
	if strings.TrimSpace(spec) == "" {
		return time.Time{}, false
	}
	s, err := ParseSchedule(spec)
	if err != nil {
		return time.Time{}, false
	}
	return s.Next(after)
}
