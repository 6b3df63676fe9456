package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blesim/internal/adapter"
	"github.com/srg/blesim/internal/lua"
	"github.com/srg/blesim/internal/peripheral"
	"github.com/srg/blesim/internal/scenario"
	"github.com/srg/blesim/internal/scheduler"
	"github.com/srg/blesim/pkg/config"
)

const scriptOutputLines = 256

// simulation is the powered-on adapter a command runs against.
type simulation struct {
	cfg     *config.Config
	logger  *logrus.Logger
	clock   *scheduler.Realtime
	adapter *adapter.Adapter
	specs   []*peripheral.Specification

	scripts    []*scriptOutput
	stopOutput context.CancelFunc
	stderr     io.Writer
}

type scriptOutput struct {
	name      string
	handler   *lua.ScriptHandler
	collector *lua.OutputCollector
}

// openSimulation loads --config and --scenario, then powers the adapter on.
// The caller must Close it.
func openSimulation(cmd *cobra.Command) (*simulation, error) {
	cfg := config.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	logger, err := configureLogger(cmd, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	path, _ := cmd.Flags().GetString("scenario")
	if path == "" {
		return nil, ErrNoScenario
	}

	sim := &simulation{cfg: cfg, logger: logger, stderr: cmd.ErrOrStderr()}
	scripts := lua.Factory(logger)
	specs, err := scenario.Load(path, scenario.Options{
		Config: cfg,
		Logger: logger,
		Handlers: func(name, script string) (peripheral.RequestHandler, error) {
			h, err := scripts(name, script)
			if err != nil {
				return nil, err
			}
			if sh, ok := h.(*lua.ScriptHandler); ok {
				sim.scripts = append(sim.scripts, &scriptOutput{name: name, handler: sh})
			}
			return h, nil
		},
	})
	if err != nil {
		sim.closeScripts()
		return nil, err
	}
	sim.specs = specs

	if capture, _ := cmd.Flags().GetBool("script-output"); capture {
		if err := sim.captureScriptOutput(); err != nil {
			sim.closeScripts()
			return nil, err
		}
	}

	sim.clock = scheduler.NewRealtime(logger)
	sim.adapter = adapter.New(cfg, sim.clock, logger)
	sim.adapter.SetPeripherals(specs...)
	sim.adapter.PowerOn()

	logger.WithFields(logrus.Fields{
		"scenario":    path,
		"peripherals": len(specs),
	}).Info("Simulation started")
	return sim, nil
}

func (s *simulation) captureScriptOutput() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopOutput = cancel
	for _, so := range s.scripts {
		c, err := lua.NewOutputCollector(so.handler.Engine().Output(), scriptOutputLines)
		if err != nil {
			return err
		}
		if err := c.Start(ctx); err != nil {
			return err
		}
		so.collector = c
	}
	return nil
}

// Close tears the adapter down and prints captured script output.
func (s *simulation) Close() {
	if s.adapter != nil {
		s.adapter.TearDown()
	}
	if s.clock != nil {
		s.clock.Close()
	}
	if s.stopOutput != nil {
		prefix := color.New(color.FgCyan)
		for _, so := range s.scripts {
			so.collector.Stop()
			so.collector.Flush()
			for _, rec := range so.collector.Drain() {
				line := strings.TrimRight(rec.Content, "\n")
				if rec.Source == "stderr" {
					line = color.RedString(line)
				}
				fmt.Fprintf(s.stderr, "%s %s\n", prefix.Sprintf("[%s]", so.name), line)
			}
		}
		s.stopOutput()
	}
	s.closeScripts()
}

func (s *simulation) closeScripts() {
	for _, so := range s.scripts {
		so.handler.Close()
	}
	s.scripts = nil
}

// signalContext is cancelled on Ctrl+C or SIGTERM, and after timeout when it
// is positive.
func signalContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	if timeout <= 0 {
		return ctx, stop
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	return tctx, func() { cancel(); stop() }
}
