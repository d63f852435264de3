package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ScheduleSpecs are cron specs ("@every 30s" or five-field) for the three jobs.
type ScheduleSpecs struct {
	Events string
	Delays string
	SLA    string
}

// JobScheduler 进程内定时触发三个批处理作业
type JobScheduler struct {
	cron    *cron.Cron
	runner  *JobRunner
	logger  *logrus.Logger
	timeout time.Duration
}

func NewJobScheduler(runner *JobRunner, specs ScheduleSpecs, logger *logrus.Logger) (*JobScheduler, error) {
	if logger == nil {
		logger = logrus.New()
	}
	cl := cron.PrintfLogger(logger)
	s := &JobScheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		runner:  runner,
		logger:  logger,
		timeout: 5 * time.Minute,
	}

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{JobProcessEvents, specs.Events, func(ctx context.Context) error { _, err := runner.ProcessEvents(ctx); return err }},
		{JobProcessDelays, specs.Delays, func(ctx context.Context) error { _, err := runner.ProcessDelays(ctx); return err }},
		{JobProcessSLA, specs.SLA, func(ctx context.Context) error { _, err := runner.ProcessSLA(ctx); return err }},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		j := j
		if _, err := s.cron.AddFunc(j.spec, func() { s.fire(j.name, j.run) }); err != nil {
			return nil, fmt.Errorf("invalid schedule for %s: %w", j.name, err)
		}
	}
	return s, nil
}

func (s *JobScheduler) fire(name string, run func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := run(ctx); err != nil && !IsJobBusy(err) {
		s.logger.WithField("job", name).Errorf("scheduled run failed: %v", err)
	}
}

// Entries reports how many jobs are scheduled.
func (s *JobScheduler) Entries() int { return len(s.cron.Entries()) }

func (s *JobScheduler) Start() {
	s.cron.Start()
	s.logger.Infof("job scheduler started with %d jobs", s.Entries())
}

// Stop waits for running jobs or ctx.
func (s *JobScheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("job scheduler stop timed out")
	}
}
