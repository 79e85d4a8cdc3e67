// Copyright 2026 The Labmanager Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package environment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cyberlearn/labmanager/internal/observability/logger"
)

// Sweeper expires environments whose lease ended at or before now.
type Sweeper interface {
	ExpireDue(ctx context.Context, now time.Time) (SweepResult, error)
}

// Reaper runs the expiry sweep on a fixed interval.
type Reaper struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewReaper creates a reaper. A nil logger uses slog.Default.
func NewReaper(sweeper Sweeper, interval time.Duration, l *slog.Logger) *Reaper {
	if l == nil {
		l = slog.Default()
	}
	if interval < time.Second {
		interval = time.Second
	}
	return &Reaper{
		sweeper:  sweeper,
		interval: interval,
		logger:   l.With(logger.Component("reaper")),
		now:      time.Now,
	}
}

// RunOnce performs a single sweep.
func (r *Reaper) RunOnce(ctx context.Context) (SweepResult, error) {
	started := r.now()
	result, err := r.sweeper.ExpireDue(ctx, started)
	if err != nil {
		r.logger.ErrorContext(ctx, "expiry sweep failed", logger.Error(err))
		return result, err
	}
	if result.Candidates > 0 {
		r.logger.InfoContext(ctx, "expiry sweep finished",
			slog.Int("candidates", result.Candidates),
			slog.Int("expired", result.Expired),
			slog.Int("failed", result.Failed),
			slog.Int("skipped", result.Skipped),
			logger.Duration(r.now().Sub(started).Milliseconds()),
		)
	}
	return result, nil
}

// Start schedules the sweep, runs one immediately, and returns a stop
// function. The reaper also stops when ctx is done. Stop waits for an
// in-flight sweep to finish.
func (r *Reaper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	cl := cronLogger{r.logger}
	c := cron.New(cron.WithLogger(cl))
	job := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		_, _ = r.RunOnce(ctx)
	}))
	c.Schedule(cron.Every(r.interval), job)
	c.Start()
	go job.Run()

	r.logger.InfoContext(ctx, "reaper started", slog.String("interval", r.interval.String()))

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-c.Stop().Done()
			r.logger.Info("reaper stopped")
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append([]any{logger.Error(err)}, keysAndValues...)...)
}
