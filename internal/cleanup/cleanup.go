// Package cleanup runs the periodic data-retention sweep used in sandbox
// deployments: rows (and credential dirs of deleted instances) older than
// the configured window are removed on a cron schedule.
package cleanup

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"wagate/internal/instance"
	"wagate/internal/storage"
)

type Sweeper struct {
	Store   *storage.Store
	Manager *instance.Manager

	retention time.Duration
	spec      string
	log       zerolog.Logger
	cron      *cron.Cron
	running   bool
}

// New builds a sweeper that deletes data older than retention on the given
// cron spec (standard 5-field format).
func New(store *storage.Store, manager *instance.Manager, retention time.Duration, spec string, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		Store:     store,
		Manager:   manager,
		retention: retention,
		spec:      spec,
		log:       log.With().Str("component", "cleanup").Logger(),
	}
}

// Start schedules the sweep. Call Stop() to halt it.
func (s *Sweeper) Start() error {
	if s.running {
		return nil
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.spec, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	s.running = true
	s.log.Info().Str("spec", s.spec).Dur("retention", s.retention).Msg("retention sweeper started")
	return nil
}

// Stop halts the schedule; a sweep already in flight finishes.
func (s *Sweeper) Stop() {
	if !s.running {
		return
	}
	s.cron.Stop()
	s.running = false
}

func (s *Sweeper) sweep() {
	cutoff := time.Now().Add(-s.retention)
	res, err := s.Store.PurgeBefore(cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("retention sweep failed")
		return
	}
	s.Manager.RemoveCredentialDirs(res.DeletedPhones)
	s.log.Info().
		Int64("history", res.WebhookHistory).
		Int64("logs", res.InstanceLogs).
		Int64("messages", res.Messages).
		Int64("webhooks", res.Webhooks).
		Int64("instances", res.Instances).
		Msg("retention sweep complete")
}
