package task

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/campusweb/atlas/internal/model"
)

// Scheduler emits the periodic control loops onto the cron queue. Only
// one scheduler process runs per deployment.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
}

// NewScheduler builds the full schedule.
func NewScheduler(engine *Engine) *Scheduler {
	s := &Scheduler{engine: engine, cron: cron.New()}

	add := func(spec, name string, args any) {
		if _, err := s.cron.AddFunc(spec, func() {
			if err := s.engine.Enqueue(context.Background(), name, args); err != nil {
				log.Error().Err(err).Str("task", name).Msg("scheduled enqueue failed")
			}
		}); err != nil {
			panic(err)
		}
	}

	add("@every 5m", LoopPoolReplenish, nil)
	add("@every 5m", LoopReapStuckPending, nil)
	add("@every 1h", LoopReapOrphanStats, nil)

	add("@every 1h", LoopCronFanout, CronArgs{Statuses: []model.SiteStatus{model.StatusLaunched}})
	add("@every 3h", LoopCronFanout, CronArgs{Statuses: []model.SiteStatus{model.StatusInstalled}})
	add("@every 6h", LoopCronFanout, CronArgs{Statuses: []model.SiteStatus{model.StatusLocked}})

	add("0 2 * * *", LoopStaleInstalled, nil)
	add("0 3 * * *", LoopStatisticsFreshness, nil)

	add("0 21 * * *", TaskBackupAll, BackupAllArgs{Type: model.BackupRoutine})
	add("0 22 * * 6", TaskBackupAll, BackupAllArgs{Type: model.BackupRoutine, LargeOnly: true})
	add("0 4 * * *", LoopReapOldBackups, nil)
	add("@every 6h", LoopReapExtraBackups, nil)
	add("30 4 * * *", LoopReapFailedBackups, nil)

	add("0 5 * * *", LoopRemoveUnusedCode, nil)
	add("0 6 * * *", LoopInactivity, nil)

	return s
}

// Start begins emitting; Stop drains the cron goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
