package lua

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

type EngineTestSuite struct {
	suite.Suite

	logger    *logrus.Logger
	engine    *Engine
	collector *OutputCollector
}

func (s *EngineTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)
	s.engine = NewEngine("test", s.logger)

	collector, err := NewOutputCollector(s.engine.Output(), 64)
	s.Require().NoError(err)
	s.collector = collector
}

func (s *EngineTestSuite) TearDownTest() {
	s.collector.Stop()
	s.engine.Close()
}

func (s *EngineTestSuite) TestPrintIsCaptured() {
	cases := []struct {
		name     string
		script   string
		expected string
	}{
		{"strings", `print("hello", "world")`, "hello\tworld\n"},
		{"numbers", `print(1, 2.5)`, "1\t2.5\n"},
		{"booleans and nil", `print(true, false, nil)`, "true\tfalse\tnil\n"},
		{"multiple lines", "print('a')\nprint('b')", "a\nb\n"},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			s.engine.Reset()
			s.Require().NoError(s.engine.Load(tc.script))
			s.collector.Flush()
			s.Equal(tc.expected, s.collector.Text())
		})
	}
}

func (s *EngineTestSuite) TestLoadReportsSyntaxErrors() {
	err := s.engine.Load("function broken(")
	s.Require().Error(err)

	var serr *ScriptError
	s.Require().ErrorAs(err, &serr)
	s.Equal("syntax", serr.Kind)
	s.ErrorIs(err, &ScriptError{Kind: "syntax"})

	s.collector.Flush()
	records := s.collector.Drain()
	s.Require().Len(records, 1)
	s.Equal("stderr", records[0].Source)
}

func (s *EngineTestSuite) TestLoadRejectsEmptyScript() {
	s.ErrorIs(s.engine.Load("   "), &ScriptError{Kind: "api"})
}

func (s *EngineTestSuite) TestCallPassesArgumentsAndResults() {
	s.Require().NoError(s.engine.Load(`
		function echo(a, b, c, d) return a, b, c, d end
	`))

	out, err := s.engine.Call("echo", 4, "text", []byte{0x01, 0x02}, true, 7)
	s.Require().NoError(err)
	s.Equal([]any{"text", "\x01\x02", true, float64(7)}, out)

	out, err = s.engine.Call("echo", 1)
	s.Require().NoError(err)
	s.Equal([]any{nil}, out, "missing results MUST be nil")
}

func (s *EngineTestSuite) TestCallErrors() {
	s.Require().NoError(s.engine.Load(`function boom() error("kaboom") end`))

	_, err := s.engine.Call("missing", 0)
	s.ErrorIs(err, &ScriptError{Kind: "api"})

	_, err = s.engine.Call("boom", 0)
	s.ErrorIs(err, &ScriptError{Kind: "runtime"})
	s.Contains(err.Error(), "kaboom")

	_, err = s.engine.Call("boom", 0, struct{}{})
	s.ErrorIs(err, &ScriptError{Kind: "api"}, "unsupported argument MUST be rejected before the call")
}

func (s *EngineTestSuite) TestHasFunction() {
	s.Require().NoError(s.engine.Load(`function present() end; value = 1`))
	s.True(s.engine.HasFunction("present"))
	s.False(s.engine.HasFunction("value"))
	s.False(s.engine.HasFunction("absent"))
}

func (s *EngineTestSuite) TestClosedEngine() {
	s.engine.Close()
	s.False(s.engine.HasFunction("anything"))
	_, err := s.engine.Call("anything", 0)
	s.Error(err)
	s.Error(s.engine.Load("x = 1"))
}

func (s *EngineTestSuite) TestCollectorKeepsNewestRecords() {
	small, err := NewOutputCollector(s.engine.Output(), 2)
	s.Require().NoError(err)

	s.Require().NoError(s.engine.Load(`for i = 1, 9 do print(i) end`))
	small.Flush()
	text := small.Text()
	s.True(strings.HasSuffix(text, "9\n"), "newest record MUST survive, got %q", text)
	s.NotContains(text, "1\n", "oldest record MUST be overwritten")
	s.Equal(int64(9), small.Stats().Collected)
	s.Positive(small.Stats().Overwritten)
}

func (s *EngineTestSuite) TestCollectorRunsInBackground() {
	s.Require().NoError(s.collector.Start(context.Background()))
	s.Error(s.collector.Start(context.Background()), "second Start MUST fail")

	s.Require().NoError(s.engine.Load(`print("async")`))
	s.Eventually(func() bool {
		return s.collector.Stats().Collected == 1
	}, time.Second, 5*time.Millisecond)

	s.collector.Stop()
	s.collector.Stop()
	s.Equal("async\n", s.collector.Text())
}

func (s *EngineTestSuite) TestCollectorRejectsBadArguments() {
	_, err := NewOutputCollector(nil, 1)
	s.Error(err)
	_, err = NewOutputCollector(s.engine.Output(), 0)
	s.Error(err)
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
