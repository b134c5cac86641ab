// Package guard saves the model and exits cleanly when a training run is
// interrupted by a signal.
package guard

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hochfrequenz/ftrun/internal/llm"
)

const (
	armed int32 = iota
	fired
	disarmed
)

// DefaultGrace bounds how long the interrupt path waits for the training
// call to return before it saves anyway.
const DefaultGrace = 30 * time.Second

// Options configures Install.
type Options struct {
	Model     llm.Model
	OutputDir string
	Format    llm.Format

	// Grace defaults to DefaultGrace.
	Grace time.Duration
	// OnInterrupt runs after the save and before Exit.
	OnInterrupt func(saveErr error)
	// Exit defaults to os.Exit.
	Exit func(code int)
	// Signals, when set, replaces SIGINT/SIGTERM delivery from the OS.
	Signals <-chan os.Signal
	Logger  *slog.Logger
}

// Guard owns the final save of an interrupted run. Exactly one of the
// interrupt path and the caller's normal completion path performs it.
type Guard struct {
	opts   Options
	state  atomic.Int32
	cancel context.CancelFunc
	stop   func()

	quiesceOnce sync.Once
	quiesced    chan struct{}
	done        chan struct{}
}

// Install arms a guard and returns a context that is cancelled on the first
// signal. Pass that context to the training call, then call Quiesce when it
// returns and Disarm to learn which path owns the save.
func Install(ctx context.Context, opts Options) (context.Context, *Guard) {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Exit == nil {
		opts.Exit = os.Exit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	g := &Guard{
		opts:     opts,
		cancel:   cancel,
		stop:     func() {},
		quiesced: make(chan struct{}),
		done:     make(chan struct{}),
	}

	sigs := opts.Signals
	if sigs == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		g.stop = func() { signal.Stop(ch) }
		sigs = ch
	}

	go g.watch(sigs)
	return ctx, g
}

func (g *Guard) watch(sigs <-chan os.Signal) {
	defer close(g.done)
	select {
	case sig := <-sigs:
		if !g.state.CompareAndSwap(armed, fired) {
			return
		}
		g.opts.Logger.Warn("interrupted, saving model before exit", "signal", sig.String(), "output_dir", g.opts.OutputDir)
		g.cancel()
		g.fire()
	case <-g.quiesced:
	}
}

func (g *Guard) fire() {
	select {
	case <-g.quiesced:
	case <-time.After(g.opts.Grace):
		g.opts.Logger.Warn("training did not stop within the grace period, saving anyway", "grace", g.opts.Grace)
	}

	err := llm.ReverseTransforms(g.opts.Model)
	if err == nil {
		err = g.opts.Model.Save(g.opts.OutputDir, g.opts.Format)
	}
	if err != nil {
		g.opts.Logger.Error("saving interrupted model failed", "error", err)
	} else {
		g.opts.Logger.Info("saved interrupted model", "output_dir", g.opts.OutputDir)
	}
	if g.opts.OnInterrupt != nil {
		g.opts.OnInterrupt(err)
	}
	g.stop()
	g.opts.Exit(0)
}

// Quiesce reports that the training call has returned. It is safe to call
// more than once.
func (g *Guard) Quiesce() {
	g.quiesceOnce.Do(func() { close(g.quiesced) })
}

// Disarm stops the guard. It returns true when the caller owns the final
// save, false when the interrupt path already does.
func (g *Guard) Disarm() bool {
	if !g.state.CompareAndSwap(armed, disarmed) {
		return false
	}
	g.stop()
	g.cancel()
	g.Quiesce()
	return true
}

// Wait blocks until the interrupt path has finished. With the default Exit
// it never returns once the guard has fired.
func (g *Guard) Wait() {
	<-g.done
}
