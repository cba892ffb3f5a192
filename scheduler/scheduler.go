// Package scheduler drives recurring incremental jobs and executes
// operator commands dropped into the commands table.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Benrotm/real-estate-mls-sub003/config"
	"github.com/Benrotm/real-estate-mls-sub003/engine"
	"github.com/Benrotm/real-estate-mls-sub003/models"
	"github.com/Benrotm/real-estate-mls-sub003/storage"
)

// Triggerable allows workers to be triggered manually
type Triggerable interface {
	Trigger()
}

type Scheduler struct {
	cfg    *config.Config
	engine *engine.Engine
	store  *storage.SQLiteStore
	cron   *cron.Cron
	ticker *time.Ticker
	stopCh chan struct{}

	geocodeWorker Triggerable
	archiveWorker Triggerable
}

func New(cfg *config.Config, eng *engine.Engine, store *storage.SQLiteStore) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		engine: eng,
		store:  store,
		cron:   cron.New(),
		stopCh: make(chan struct{}),
	}
}

// SetWorkers registers background workers for manual triggering
func (s *Scheduler) SetWorkers(geocode, archive Triggerable) {
	s.geocodeWorker = geocode
	s.archiveWorker = archive
}

func (s *Scheduler) Start(ctx context.Context) error {
	go s.pollCommands(ctx)

	if s.cfg.Scheduler.Cron != "" {
		log.Printf("Starting scheduler with cron: %s", s.cfg.Scheduler.Cron)
		_, err := s.cron.AddFunc(s.cfg.Scheduler.Cron, func() { s.runAll() })
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
	} else if s.cfg.Scheduler.Interval > 0 {
		log.Printf("Starting scheduler with interval: %s", s.cfg.Scheduler.Interval)
		s.ticker = time.NewTicker(s.cfg.Scheduler.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					s.runAll()
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		log.Println("No schedule configured, daemon will only respond to commands")
	}

	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopCh)
}

// runAll starts an incremental job for every configured source. Sources
// with a job already running keep it.
func (s *Scheduler) runAll() {
	for sourceID := range s.cfg.Sources {
		jobID, err := s.engine.StartJob(sourceID, models.JobModeIncremental, 0)
		switch {
		case errors.Is(err, engine.ErrAlreadyRunning):
			log.Printf("Scheduler: %s already has a running job", sourceID)
		case errors.Is(err, engine.ErrPaused):
			log.Println("Scheduler: engine paused, skipping scheduled run")
			return
		case err != nil:
			log.Printf("Scheduler: start %s: %v", sourceID, err)
		default:
			log.Printf("Scheduler: started incremental job %s for %s", jobID, sourceID)
		}
	}
}

func (s *Scheduler) pollCommands(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cmds, err := s.store.GetPendingCommands()
			if err != nil {
				log.Printf("Error getting commands: %v", err)
				continue
			}

			for _, cmd := range cmds {
				log.Printf("Processing command: %s", cmd.Command)
				if err := s.handleCommand(&cmd); err != nil {
					log.Printf("Command error: %v", err)
				}
				if err := s.store.MarkCommandProcessed(cmd.ID); err != nil {
					log.Printf("Error marking command processed: %v", err)
				}
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) handleCommand(cmd *models.Command) error {
	params, err := s.store.ParseCommandParams(cmd)
	if err != nil {
		return fmt.Errorf("parse params: %w", err)
	}

	switch cmd.Command {
	case models.CmdScrapeNow:
		s.runAll()
		return nil

	case models.CmdScrapeSource:
		if params.Source == "" {
			return errors.New("scrape_source requires a source")
		}
		mode := models.JobModeIncremental
		if params.Mode != "" {
			mode = models.JobMode(params.Mode)
		}
		jobID, err := s.engine.StartJob(params.Source, mode, params.Page)
		if err != nil {
			return err
		}
		log.Printf("Started %s job %s for %s", mode, jobID, params.Source)
		return nil

	case models.CmdPause:
		s.engine.SetPaused(true)
		log.Println("Engine paused via command")
		return nil

	case models.CmdResume:
		s.engine.SetPaused(false)
		log.Println("Engine resumed via command")
		return nil

	case models.CmdRunGeocode:
		if s.geocodeWorker != nil {
			s.geocodeWorker.Trigger()
			log.Println("Geocode worker triggered via command")
		}
		return nil

	case models.CmdRunArchive:
		if s.archiveWorker != nil {
			s.archiveWorker.Trigger()
			log.Println("Archive worker triggered via command")
		}
		return nil

	case models.CmdResetSource:
		if params.Source == "" {
			return errors.New("reset_source requires a source")
		}
		if err := s.store.ResetSource(params.Source); err != nil {
			return err
		}
		log.Printf("Source %s reset, next full run starts from page one", params.Source)
		return nil

	default:
		return fmt.Errorf("unknown command: %s", cmd.Command)
	}
}

// TriggerNow runs a scheduled pass immediately.
func (s *Scheduler) TriggerNow() {
	s.runAll()
}
