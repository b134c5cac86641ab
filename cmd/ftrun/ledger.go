package main

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hochfrequenz/ftrun/internal/checkpoint"
	"github.com/hochfrequenz/ftrun/internal/domain"
	"github.com/hochfrequenz/ftrun/internal/notify"
	"github.com/hochfrequenz/ftrun/internal/runstore"
)

// runLedger records one run in the store and announces its end. A nil store
// only disables recording. The checkpoint watcher and the interrupt guard
// call it from their own goroutines, so every method holds mu.
type runLedger struct {
	store    *runstore.Store
	notifier notify.Notifier
	run      *domain.Run
	log      *slog.Logger

	mu       sync.Mutex
	finished bool
}

func (l *runLedger) start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store == nil {
		return
	}
	if err := l.store.Start(l.run); err != nil {
		l.log.Warn("run ledger unavailable", "error", err)
		l.store = nil
		return
	}
	l.log = l.log.With("run_id", l.run.ID)
}

func (l *runLedger) checkpoint(ref checkpoint.Ref) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.run.LastCheckpoint = ref.Path
	if l.store == nil {
		return
	}
	if err := l.store.RecordCheckpoint(l.run.ID, ref.Step, ref.Path); err != nil {
		l.log.Warn("failed to record checkpoint", "step", ref.Step, "error", err)
	}
}

// finish records the terminal status once; later calls are ignored so the
// interrupt path and the normal return cannot both report.
func (l *runLedger) finish(status domain.RunStatus, runErr error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return
	}
	l.finished = true

	finished := time.Now().UTC()
	l.run.Status = status
	l.run.FinishedAt = &finished
	if runErr != nil {
		l.run.Error = runErr.Error()
	}
	if l.store != nil {
		if err := l.store.Finish(l.run.ID, status, runErr); err != nil {
			l.log.Warn("failed to record run result", "error", err)
		}
	}
	if err := l.notifier.Send(notify.ForRun(l.run)); err != nil {
		l.log.Warn("notification failed", "error", err)
	}
}

func (l *runLedger) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.store != nil {
		l.store.Close()
		l.store = nil
	}
}
