// Package player wires a delay scheduler to an event loop and replays cue
// scripts through it. It is the surface the CLI and the control socket use.
package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/shaneisley/cuedelay/pkg/cue"
	"github.com/shaneisley/cuedelay/pkg/delay"
	"github.com/shaneisley/cuedelay/pkg/logging"
	"github.com/shaneisley/cuedelay/pkg/loop"
	"github.com/shaneisley/cuedelay/pkg/metrics"
)

// ErrAlreadyPlaying is returned when Play is called while a replay is running
var ErrAlreadyPlaying = errors.New("player: a script is already playing")

// Options configures a Player
type Options struct {
	// Offset is the starting offset
	Offset time.Duration
	// OffsetDebounce delays offset changes until requests stop arriving; 0 applies them at once
	OffsetDebounce time.Duration
	// OnOffsetChange runs on the loop after an offset change has been applied
	OnOffsetChange func(offset time.Duration)
	Clock          clock.Clock
	Logger         *logging.Logger
}

// Player owns the event loop and the scheduler running on it
type Player struct {
	loop      *loop.EventLoop
	scheduler *delay.Scheduler
	debouncer *loop.Debouncer
	logger    *logging.Logger
	onChange  func(time.Duration)

	// target is the most recently requested offset; it runs ahead of the
	// scheduler's offset while a debounced change is pending. Loop-owned.
	target  time.Duration
	playing bool

	runOnce sync.Once
	started bool
	runErr  chan error

	closeOnce sync.Once
	closeErr  error
}

// New creates a player showing cues on sink
func New(sink delay.Sink, opts Options) *Player {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	l := loop.New(opts.Clock, logger)
	p := &Player{
		loop:      l,
		scheduler: delay.New(l, sink, delay.WithLogger(logger), delay.WithOffset(opts.Offset)),
		logger:    logger.WithComponent("player"),
		onChange:  opts.OnOffsetChange,
		target:    opts.Offset,
		runErr:    make(chan error, 1),
	}
	if opts.OffsetDebounce > 0 {
		p.debouncer = loop.NewDebouncer(l, opts.OffsetDebounce)
	}
	return p
}

// Start runs the event loop until ctx is cancelled or Close is called
func (p *Player) Start(ctx context.Context) {
	p.runOnce.Do(func() {
		p.started = true
		go func() {
			p.runErr <- p.loop.Run(ctx)
		}()
	})
}

// Close releases the scheduler and stops the loop. Held batches are dropped.
func (p *Player) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.shutdown()
	})
	return p.closeErr
}

func (p *Player) shutdown() error {
	if !p.started {
		p.scheduler.Release()
		p.loop.Stop()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := p.loop.Call(ctx, func() {
		if p.debouncer != nil {
			p.debouncer.Cancel()
		}
		p.scheduler.Release()
	})
	p.loop.Stop()
	runErr := <-p.runErr
	if errors.Is(err, loop.ErrStopped) {
		err = nil
	}
	if err == nil && runErr != nil && !errors.Is(runErr, context.Canceled) {
		err = runErr
	}
	return err
}

// Offset returns the offset currently applied
func (p *Player) Offset(ctx context.Context) (time.Duration, error) {
	var offset time.Duration
	err := p.loop.Call(ctx, func() {
		offset = p.scheduler.Offset()
	})
	return offset, err
}

// SetOffset requests a new offset and returns it. With debouncing enabled
// the change is applied once requests have been quiet for the debounce wait.
func (p *Player) SetOffset(ctx context.Context, offset time.Duration) (time.Duration, error) {
	var applyErr error
	err := p.loop.Call(ctx, func() {
		applyErr = p.request(offset)
	})
	if err != nil {
		return 0, err
	}
	return offset, applyErr
}

// StepOffset moves the requested offset steps presets up or down
func (p *Player) StepOffset(ctx context.Context, steps int) (time.Duration, error) {
	var target time.Duration
	var applyErr error
	err := p.loop.Call(ctx, func() {
		target = delay.StepPreset(p.target, steps)
		applyErr = p.request(target)
	})
	if err != nil {
		return 0, err
	}
	return target, applyErr
}

// Stats returns the scheduler's counters
func (p *Player) Stats(ctx context.Context) (metrics.SchedulerStats, error) {
	var stats metrics.SchedulerStats
	err := p.loop.Call(ctx, func() {
		stats = p.scheduler.Stats()
	})
	return stats, err
}

// Submit hands a batch to the scheduler, stamped with the loop time it is received at
func (p *Player) Submit(ctx context.Context, cues []cue.Cue) error {
	var submitErr error
	err := p.loop.Call(ctx, func() {
		submitErr = p.scheduler.OnCuesArrived(cues, p.loop.Now())
	})
	if err != nil {
		return err
	}
	return submitErr
}

// Play replays script through the scheduler and returns once every event
// has been emitted and every held batch has been shown or dropped. Start
// must have been called.
func (p *Player) Play(ctx context.Context, script *cue.Script) error {
	var producer *cue.Producer
	var startErr error
	drained := make(chan struct{})

	err := p.loop.Call(ctx, func() {
		if p.playing {
			startErr = ErrAlreadyPlaying
			return
		}
		p.playing = true

		producer = cue.NewProducer(p.loop, script, func(cues []cue.Cue, arrival time.Time) {
			if err := p.scheduler.OnCuesArrived(cues, arrival); err != nil {
				p.logger.LogError("submit_cues", err, "cues", len(cues))
			}
		})
		startErr = producer.Start()
	})
	if err != nil {
		return err
	}
	if startErr != nil {
		if !errors.Is(startErr, ErrAlreadyPlaying) {
			p.endPlay()
		}
		return startErr
	}

	p.logger.Info("replay started", "script", script.Name, "events", len(script.Events),
		"duration_ms", script.Duration().Milliseconds())

	select {
	case <-producer.Done():
	case <-p.loop.Done():
		return loop.ErrStopped
	case <-ctx.Done():
		if err := p.loop.Call(context.Background(), producer.Stop); err != nil {
			p.logger.LogError("stop_producer", err, "script", script.Name)
		}
		p.endPlay()
		return ctx.Err()
	}

	var produceErr error
	err = p.loop.Call(ctx, func() {
		produceErr = producer.Err()
		p.watchDrain(drained)
	})
	if err != nil {
		p.endPlay()
		return err
	}

	select {
	case <-drained:
	case <-ctx.Done():
		p.endPlay()
		return ctx.Err()
	case <-p.loop.Done():
		return loop.ErrStopped
	}

	p.endPlay()
	if produceErr != nil {
		return fmt.Errorf("replay of %s ended early: %w", script.Name, produceErr)
	}
	p.logger.Info("replay finished", "script", script.Name, "events", producer.Emitted())
	return nil
}

func (p *Player) endPlay() {
	if err := p.loop.Post(func() { p.playing = false }); err != nil {
		p.logger.LogError("end_play", err)
	}
}

// watchDrain closes drained once the scheduler holds nothing. Runs on the loop.
func (p *Player) watchDrain(drained chan struct{}) {
	due, ok := p.scheduler.NextDue()
	if !ok {
		close(drained)
		return
	}

	wait := max(due.Sub(p.loop.Now()), 0)
	if _, err := p.loop.PostDelayed(wait, func() { p.watchDrain(drained) }); err != nil {
		p.logger.LogError("watch_drain", err)
		close(drained)
	}
}

// request records offset as the target and applies it now or after the debounce wait. Runs on the loop.
func (p *Player) request(offset time.Duration) error {
	p.target = offset
	if p.debouncer == nil {
		p.apply(offset)
		return nil
	}
	return p.debouncer.Debounce(func() { p.apply(offset) })
}

func (p *Player) apply(offset time.Duration) {
	p.scheduler.SetOffset(offset)
	if p.onChange != nil {
		p.onChange(offset)
	}
}
