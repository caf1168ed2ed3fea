// Package crontab runs callbacks on cron schedules ("0 3 * * *"). Schedules
// are checked once a minute by a goTimer timer, so callbacks run in
// timer.Tick.
package crontab

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/gwlog"
	"github.com/xiaonanln/cellworld/engine/gwutils"
	timer "github.com/xiaonanln/goTimer"
)

const (
	_CRONTAB_TIME_OFFSET = time.Second * 2
)

var (
	lock             sync.Mutex
	cancelledHandles = []Handle{}
	entries          = map[Handle]*entry{}
	nextHandle       = Handle(1)
	initOnce         sync.Once
)

// Handle is the type of return value of Register, can be used to cancel the register
type Handle int

// Schedule is a parsed cron schedule. Each field holds the value to match,
// -n to match every n-th value, or -1 to match all.
type Schedule struct {
	Minute, Hour, Day, Month, DayOfWeek int
}

type entry struct {
	Schedule
	cb func()
}

// Parse parses the 5 fields "minute hour day month dayofweek" of a cron
// schedule. A field is a number, "*" or "*/n".
func Parse(spec string) (Schedule, error) {
	fields := strings.Fields(spec)
	if len(fields) != 5 {
		return Schedule{}, errors.Errorf("crontab %q: expect 5 fields, got %d", spec, len(fields))
	}
	var vals [5]int
	for i, f := range fields {
		v, err := parseField(f)
		if err != nil {
			return Schedule{}, errors.Wrapf(err, "crontab %q", spec)
		}
		vals[i] = v
	}
	s := Schedule{Minute: vals[0], Hour: vals[1], Day: vals[2], Month: vals[3], DayOfWeek: vals[4]}
	if err := s.validate(); err != nil {
		return Schedule{}, errors.Wrapf(err, "crontab %q", spec)
	}
	return s, nil
}

func parseField(f string) (int, error) {
	if f == "*" {
		return -1, nil
	}
	if strings.HasPrefix(f, "*/") {
		n, err := strconv.Atoi(f[2:])
		if err != nil || n <= 0 {
			return 0, errors.Errorf("invalid step %q", f)
		}
		return -n, nil
	}
	n, err := strconv.Atoi(f)
	if err != nil || n < 0 {
		return 0, errors.Errorf("invalid field %q", f)
	}
	return n, nil
}

func (s Schedule) validate() error {
	if s.Minute > 59 || s.Minute < -60 {
		return errors.Errorf("invalid minute = %d", s.Minute)
	}
	if s.Hour > 23 || s.Hour < -24 {
		return errors.Errorf("invalid hour = %d", s.Hour)
	}
	if s.Day > 31 || s.Day < -31 || s.Day == 0 {
		return errors.Errorf("invalid day = %d", s.Day)
	}
	if s.Month > 12 || s.Month < -12 || s.Month == 0 {
		return errors.Errorf("invalid month = %d", s.Month)
	}
	if s.DayOfWeek > 7 || s.DayOfWeek < -1 {
		return errors.Errorf("invalid dayofweek = %d", s.DayOfWeek)
	}
	return nil
}

func matchField(want int, v int) bool {
	if want >= 0 {
		return want == v
	}
	return v%-want == 0
}

// Match tells if the schedule is due at the minute of t
func (s Schedule) Match(t time.Time) bool {
	if !matchField(s.Minute, t.Minute()) || !matchField(s.Hour, t.Hour()) ||
		!matchField(s.Day, t.Day()) || !matchField(s.Month, int(t.Month())) {
		return false
	}
	switch {
	case s.DayOfWeek < 0:
		return true
	case s.DayOfWeek == 7:
		return t.Weekday() == time.Sunday
	default:
		return s.DayOfWeek == int(t.Weekday())
	}
}

// Register a callback which will be executed in timer.Tick whenever the
// schedule is due
func Register(s Schedule, cb func()) Handle {
	if err := s.validate(); err != nil {
		gwlog.Panicf("crontab: %v", err)
	}
	initOnce.Do(initialize)

	lock.Lock()
	defer lock.Unlock()
	h := nextHandle
	nextHandle++
	entries[h] = &entry{Schedule: s, cb: cb}
	return h
}

// Unregister a registered crontab handle
func (h Handle) Unregister() {
	lock.Lock()
	cancelledHandles = append(cancelledHandles, h)
	lock.Unlock()
}

func unregisterCancelledHandles() {
	for _, h := range cancelledHandles {
		gwlog.Debugf("unregisterCancelledHandles: cancelling %d", h)
		delete(entries, h)
	}
	cancelledHandles = nil
}

// initialize aligns the minute checks to a couple of seconds past the minute
func initialize() {
	now := time.Now()
	sec := now.Second()
	var d time.Duration
	if time.Second*time.Duration(sec) < _CRONTAB_TIME_OFFSET {
		d = _CRONTAB_TIME_OFFSET - time.Second*time.Duration(sec)
	} else {
		d = time.Second*time.Duration(60-sec) + _CRONTAB_TIME_OFFSET
	}

	d -= time.Nanosecond * time.Duration(now.Nanosecond())
	gwlog.Debugf("crontab: current time is %s, will setup repeat time after %s", now, d)
	timer.AddCallback(d, func() {
		timer.AddTimer(time.Minute, func() { check(time.Now()) })
		check(time.Now())
	})
}

// check runs the callbacks due at now and returns how many ran
func check(now time.Time) int {
	lock.Lock()
	unregisterCancelledHandles()
	var due []func()
	for _, entry := range entries {
		if entry.Match(now) {
			due = append(due, entry.cb)
		}
	}
	lock.Unlock()

	for _, cb := range due {
		gwutils.RunPanicless(cb)
	}
	return len(due)
}
