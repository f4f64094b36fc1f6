package processor

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Runner drives the processor on a fixed external cadence: one cron entry
// for the queue tick, one for the reaper sweep.
type Runner struct {
	proc      *Processor
	cron      *cron.Cron
	batchSize int
}

func NewRunner(proc *Processor, tickSpec, reapSpec string, batchSize int) (*Runner, error) {
	r := &Runner{proc: proc, cron: cron.New(), batchSize: batchSize}
	if _, err := r.cron.AddFunc(tickSpec, r.tick); err != nil {
		return nil, fmt.Errorf("tick cadence %q: %w", tickSpec, err)
	}
	if _, err := r.cron.AddFunc(reapSpec, r.reap); err != nil {
		return nil, fmt.Errorf("reap cadence %q: %w", reapSpec, err)
	}
	return r, nil
}

func (r *Runner) Start() {
	log.Info().Int("batch_size", r.batchSize).Msg("queue runner started")
	r.cron.Start()
}

// Stop halts the cadence; the returned context is done once in-flight
// entries finish.
func (r *Runner) Stop() context.Context {
	return r.cron.Stop()
}

func (r *Runner) tick() {
	stats, err := r.proc.RunTick(context.Background(), r.batchSize)
	if err != nil {
		log.Error().Err(err).Msg("queue tick failed")
		return
	}
	if stats.Processed > 0 {
		log.Info().
			Int("processed", stats.Processed).
			Int("succeeded", stats.Succeeded).
			Int("retried", stats.Retried).
			Int("failed", stats.Failed).
			Msg("queue tick")
	}
}

func (r *Runner) reap() {
	requeued, failed, err := r.proc.Reap(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("reaper sweep failed")
		return
	}
	if requeued+failed > 0 {
		log.Info().Int("requeued", requeued).Int("failed", failed).Msg("reaper sweep")
	}
}
