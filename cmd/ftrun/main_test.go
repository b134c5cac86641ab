package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hochfrequenz/ftrun/internal/checkpoint"
	"github.com/hochfrequenz/ftrun/internal/domain"
	"github.com/hochfrequenz/ftrun/internal/notify"
	"github.com/hochfrequenz/ftrun/internal/runstore"
)

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		name          string
		args          []string
		wantSource    string
		wantOverrides []string
	}{
		{"none", nil, "examples", nil},
		{"config only", []string{"cfg.yml"}, "cfg.yml", []string{}},
		{"config and overrides", []string{"cfg.yml", "lr=0.1", "seed=3"}, "cfg.yml", []string{"lr=0.1", "seed=3"}},
		{"overrides only", []string{"lr=0.1"}, "examples", []string{"lr=0.1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source, overrides := splitArgs(tt.args, "examples")
			if source != tt.wantSource {
				t.Errorf("source = %q, want %q", source, tt.wantSource)
			}
			if diff := cmp.Diff(tt.wantOverrides, overrides); diff != "" {
				t.Errorf("overrides mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

type recordingNotifier struct{ sent []notify.Notification }

func (r *recordingNotifier) Send(n notify.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

func TestRunLedger(t *testing.T) {
	store, err := runstore.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	notifier := &recordingNotifier{}
	l := &runLedger{
		store:    store,
		notifier: notifier,
		run:      &domain.Run{Mode: domain.ModeTrain, OutputDir: "/out"},
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	l.start()
	defer l.close()

	l.checkpoint(checkpoint.Ref{Path: "/out/checkpoint-2", Step: 2})
	l.finish(domain.RunFailed, errors.New("nan loss"))
	l.finish(domain.RunCompleted, nil)

	got, err := store.Get(l.run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.RunFailed || got.Error != "nan loss" {
		t.Errorf("run = %+v", got)
	}
	if got.LastCheckpoint != "/out/checkpoint-2" {
		t.Errorf("last checkpoint = %q", got.LastCheckpoint)
	}
	if len(notifier.sent) != 1 || notifier.sent[0].Type != notify.NotifyError {
		t.Errorf("notifications = %+v", notifier.sent)
	}
}

func TestRunLedger_WithoutStore(t *testing.T) {
	notifier := &recordingNotifier{}
	l := &runLedger{
		notifier: notifier,
		run:      &domain.Run{Mode: domain.ModeMergeLora},
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	l.start()
	l.checkpoint(checkpoint.Ref{Path: "/x/checkpoint-1", Step: 1})
	l.finish(domain.RunCompleted, nil)
	l.close()

	if len(notifier.sent) != 1 || notifier.sent[0].Type != notify.NotifySuccess {
		t.Errorf("notifications = %+v", notifier.sent)
	}
}

func TestRunLedger_CheckpointDuringInterrupt(t *testing.T) {
	store, err := runstore.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	l := &runLedger{
		store:    store,
		notifier: notify.NoopNotifier{},
		run:      &domain.Run{Mode: domain.ModeTrain, OutputDir: "/out"},
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	l.start()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for step := 1; step <= 20; step++ {
			l.checkpoint(checkpoint.Ref{Path: fmt.Sprintf("/out/checkpoint-%d", step), Step: step})
		}
	}()
	go func() {
		defer wg.Done()
		l.finish(domain.RunInterrupted, nil)
		l.close()
	}()
	wg.Wait()

	l.finish(domain.RunCompleted, nil)
	l.close()
	if l.run.Status != domain.RunInterrupted {
		t.Errorf("status = %s, want interrupted", l.run.Status)
	}
}
