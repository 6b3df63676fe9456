package testutils

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeT struct {
	failures []string
}

func (f *fakeT) Helper() {}

func (f *fakeT) Errorf(format string, args ...any) {
	f.failures = append(f.failures, fmt.Sprintf(format, args...))
}

func TestJSONAsserterDefaults(t *testing.T) {
	opts := NewJSONAsserter(t).Options()
	assert.True(t, opts.IgnoreExtraKeys)
	assert.True(t, opts.AllowPresencePlaceholder)
	assert.False(t, opts.IgnoreArrayOrder)
	assert.Empty(t, opts.IgnoredFields)
}

func TestJSONAsserter(t *testing.T) {
	cases := []struct {
		name     string
		opts     []Option
		actual   string
		expected string
		match    bool
	}{
		{"identical", nil, `{"a":1}`, `{"a":1}`, true},
		{"different value", nil, `{"a":1}`, `{"a":2}`, false},
		{"extra keys ignored", nil, `{"a":1,"b":2}`, `{"a":1}`, true},
		{"extra keys reported", []Option{WithIgnoreExtraKeys(false)}, `{"a":1,"b":2}`, `{"a":1}`, false},
		{"presence placeholder", nil, `{"id":"x-1"}`, `{"id":"<<PRESENCE>>"}`, true},
		{"placeholder needs the key", nil, `{}`, `{"id":"<<PRESENCE>>"}`, false},
		{"placeholder disabled", []Option{WithAllowPresencePlaceholder(false)}, `{"id":"x"}`, `{"id":"<<PRESENCE>>"}`, false},
		{"root arrays", nil, `[1,2]`, `[1,2]`, true},
		{"array order matters", nil, `[2,1]`, `[1,2]`, false},
		{"array order ignored", []Option{WithIgnoreArrayOrder(true)}, `[{"v":2,"t":9},{"v":1,"t":8}]`, `[{"v":1},{"v":2}]`, true},
		{"ignored fields", []Option{WithIgnoredFields("at"), WithIgnoreExtraKeys(false)}, `{"v":1,"at":5}`, `{"v":1,"at":7}`, true},
		{"invalid actual", nil, `{`, `{}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ft := &fakeT{}
			ok := NewJSONAsserter(ft).WithOptions(tc.opts...).Assert(tc.actual, tc.expected)
			assert.Equal(t, tc.match, ok)
			assert.Equal(t, tc.match, len(ft.failures) == 0, "failures: %v", ft.failures)
		})
	}
}

func TestTextAsserter(t *testing.T) {
	cases := []struct {
		name     string
		opts     []TextOption
		actual   string
		expected string
		match    bool
	}{
		{"identical", nil, "a\nb", "a\nb", true},
		{"different", nil, "a\nb", "a\nc", false},
		{"trailing whitespace", []TextOption{WithIgnoreTrailingWhitespace(true)}, "a  \nb\t", "a\nb", true},
		{"empty lines", []TextOption{WithIgnoreEmptyLines(true)}, "a\n\n\nb", "a\nb", true},
		{"trim", []TextOption{WithTrimSpace(true)}, "\n a\n", "a", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ft := &fakeT{}
			ok := NewTextAsserter(ft).WithOptions(tc.opts...).Assert(tc.actual, tc.expected)
			assert.Equal(t, tc.match, ok)
		})
	}
}

func TestTextAsserterDiff(t *testing.T) {
	ta := NewTextAsserter(t)
	diff := ta.Diff("one\ntwo\n", "one\nthree\n")
	assert.Contains(t, diff, "-three")
	assert.Contains(t, diff, "+two")

	colored := NewTextAsserter(t).WithOptions(WithEnableColors(true)).Diff("a b\n", "a c\n")
	assert.Contains(t, colored, "a·b", "whitespace MUST be visible in colored diffs")
}

func TestEventLog(t *testing.T) {
	now := 0
	rec := NewPeripheralRecorder(nil)
	rec.clock = func() time.Duration { now++; return time.Duration(now) }

	rec.add(Event{Name: "A"})
	rec.add(Event{Name: "B"})
	rec.add(Event{Name: "A", RSSI: -40})

	assert.Equal(t, []string{"A", "B", "A"}, rec.Names())
	assert.Equal(t, 2, rec.Count("A"))
	last, ok := rec.Last("A")
	require.True(t, ok)
	assert.Equal(t, -40, last.RSSI)
	assert.Equal(t, time.Duration(3), last.At)

	rec.Reset()
	assert.Empty(t, rec.Events())
	_, ok = rec.Last("A")
	assert.False(t, ok)
}
