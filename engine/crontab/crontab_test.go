package crontab

import (
	"testing"
	"time"

	"github.com/bmizerany/assert"
)

// Friday
var at = time.Date(2024, time.March, 15, 3, 30, 0, 0, time.UTC)

func TestParse(t *testing.T) {
	s, err := Parse("30 3 * * *")
	assert.Equal(t, nil, err)
	assert.Equal(t, Schedule{Minute: 30, Hour: 3, Day: -1, Month: -1, DayOfWeek: -1}, s)

	s, err = Parse("*/15 * * */3 5")
	assert.Equal(t, nil, err)
	assert.Equal(t, Schedule{Minute: -15, Hour: -1, Day: -1, Month: -3, DayOfWeek: 5}, s)

	for _, bad := range []string{"", "* * * *", "60 * * * *", "* 24 * * *", "* * 0 * *", "*/0 * * * *", "x * * * *", "* * * * 8"} {
		_, err := Parse(bad)
		assert.NotEqual(t, nil, err, bad)
	}
}

func TestMatch(t *testing.T) {
	for spec, want := range map[string]bool{
		"* * * * *":    true,
		"30 3 * * *":   true,
		"31 3 * * *":   false,
		"*/15 * * * *": true,
		"*/7 * * * *":  false,
		"* * 15 3 5":   true,
		"* * * * 0":    false,
		"* * * */3 *":  true,
		"* * * */2 *":  false,
	} {
		s, err := Parse(spec)
		assert.Equal(t, nil, err)
		assert.Equal(t, want, s.Match(at), spec)
	}

	sunday := time.Date(2024, time.March, 17, 0, 0, 0, 0, time.UTC)
	s, _ := Parse("* * * * 7")
	assert.T(t, s.Match(sunday))
	s, _ = Parse("* * * * 0")
	assert.T(t, s.Match(sunday))
}

func TestRegister(t *testing.T) {
	every, _ := Parse("* * * * *")
	never, _ := Parse("0 0 1 1 *")
	calls := 0
	h := Register(every, func() { calls++ })
	Register(never, func() { t.Fatalf("not due") })
	assert.Equal(t, 1, check(at))
	assert.Equal(t, 1, calls)

	h.Unregister()
	assert.Equal(t, 0, check(at))
	assert.Equal(t, 1, calls)
}

func TestUnregisterFromCallback(t *testing.T) {
	every, _ := Parse("* * * * *")
	var h Handle
	calls := 0
	h = Register(every, func() {
		calls++
		h.Unregister()
	})
	check(at)
	check(at)
	assert.Equal(t, 1, calls)
}
