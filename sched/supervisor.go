// Copyright 2019 - 2025 The Samply Community
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

package sched

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Config configures a Supervisor's budgets and logging sinks.
type Config struct {
	BulkDownloadConcurrency      int
	CrawlPatientConcurrency      int
	CrawlTypeConcurrency         int
	HydrateAttachmentConcurrency int

	// LogWriter receives structured log.ndjson records in addition to the
	// console. Typically a SubExport's log.ndjson file; nil disables the
	// extra sink.
	LogWriter io.Writer
}

func (c Config) withDefaults() Config {
	if c.BulkDownloadConcurrency <= 0 {
		c.BulkDownloadConcurrency = 5
	}
	if c.CrawlPatientConcurrency <= 0 {
		c.CrawlPatientConcurrency = 8
	}
	if c.CrawlTypeConcurrency <= 0 {
		c.CrawlTypeConcurrency = 4
	}
	if c.HydrateAttachmentConcurrency <= 0 {
		c.HydrateAttachmentConcurrency = 4
	}
	return c
}

// Supervisor owns the run's cancellation signal, its named concurrency
// budgets, its structured logger, and progress-bar rendering. It is the
// one piece of cross-cutting state every other component is handed a
// reference to.
type Supervisor struct {
	Logger zerolog.Logger

	Bulk              *Budget
	CrawlPatient      *Budget
	CrawlType         *Budget
	HydrateAttachment *Budget

	progress *mpb.Progress

	ctx    context.Context
	cancel context.CancelFunc
	stop   func()
}

// NewSupervisor builds a Supervisor from cfg: four named budgets, a
// zerolog.Logger writing to the console and, if cfg.LogWriter is set, also
// to the per-SubExport log.ndjson sink, and a signal-cancelled root
// context.
func NewSupervisor(cfg Config) *Supervisor {
	cfg = cfg.withDefaults()

	console := zerolog.ConsoleWriter{Out: os.Stderr}
	var writer io.Writer = console
	if cfg.LogWriter != nil {
		writer = zerolog.MultiLevelWriter(console, cfg.LogWriter)
	}
	logger := zerolog.New(writer).With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(context.Background())
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

	return &Supervisor{
		Logger:            logger,
		Bulk:              NewBudget("bulk-download", cfg.BulkDownloadConcurrency),
		CrawlPatient:      NewBudget("crawl-patient", cfg.CrawlPatientConcurrency),
		CrawlType:         NewBudget("crawl-type", cfg.CrawlTypeConcurrency),
		HydrateAttachment: NewBudget("hydrate-attachment", cfg.HydrateAttachmentConcurrency),
		progress:          mpb.New(mpb.WithOutput(os.Stderr)),
		ctx:               ctx,
		cancel:            cancel,
		stop:              stop,
	}
}

// Context returns the Supervisor's root context, cancelled on SIGINT or
// SIGTERM so that in-flight components can finish their current write and
// persist metadata before exiting.
func (s *Supervisor) Context() context.Context { return s.ctx }

// Progress adds a named progress bar with the given total count, reusable
// across bulk download, crawl fan-out and hydration.
func (s *Supervisor) Progress(name string, total int) *mpb.Bar {
	return s.progress.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DindentRight}),
			decor.OnComplete(decor.EwmaETA(decor.ET_STYLE_GO, 60, decor.WC{W: 4}), "done"),
		),
		mpb.AppendDecorators(decor.Percentage()),
	)
}

// Wait blocks until every progress bar registered with Progress has
// completed.
func (s *Supervisor) Wait() { s.progress.Wait() }

// Shutdown releases the signal-notification context. Call once the run has
// finished, successfully or not.
func (s *Supervisor) Shutdown() {
	s.stop()
	s.cancel()
}
