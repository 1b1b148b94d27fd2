// Package scheduler runs the periodic incremental cascade sync and FK
// validation sweep on a cron schedule, using robfig/cron/v3 the way the
// pack's own background-job services schedule recurring work instead of
// hand-rolling a ticker loop.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/cascadeql/sync-engine/internal/cascade"
	"github.com/cascadeql/sync-engine/internal/validator"
)

// Scheduler wires periodic cascade syncs and validation sweeps.
type Scheduler struct {
	cron  *cron.Cron
	coord *cascade.Coordinator
	val   *validator.Validator
	log   *logrus.Entry
}

// New builds a Scheduler. coord and val may be nil if that surface is not
// scheduled in this process.
func New(coord *cascade.Coordinator, val *validator.Validator, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		cron:  cron.New(cron.WithSeconds()),
		coord: coord,
		val:   val,
		log:   log,
	}
}

// ScheduleIncrementalSync registers an incremental cascade sync for model
// on spec, a 6-field cron expression whose first field is seconds, or a
// descriptor such as "@every 1h".
func (s *Scheduler) ScheduleIncrementalSync(spec, model string) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		if _, err := s.coord.SyncModel(ctx, model, cascade.SyncIncremental, nil); err != nil && s.log != nil {
			s.log.WithError(err).WithField("model", model).Error("scheduled incremental sync failed")
		}
	})
}

// ScheduleValidationSweep registers a periodic FK validation pass for model.
func (s *Scheduler) ScheduleValidationSweep(spec, model string, opts validator.Options) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		report, err := s.val.ValidateModel(ctx, model, opts)
		if err != nil {
			if s.log != nil {
				s.log.WithError(err).WithField("model", model).Error("scheduled validation sweep failed")
			}
			return
		}
		if s.log != nil {
			s.log.WithFields(logrus.Fields{
				"model":          model,
				"classification": report.Classification,
				"integrity":      report.IntegrityScore,
			}).Info("scheduled validation sweep complete")
		}
	})
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the scheduler and returns a context that is done once any
// running jobs have finished; it does not block.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// Remove unregisters a previously scheduled entry.
func (s *Scheduler) Remove(id cron.EntryID) { s.cron.Remove(id) }
