package main

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"treemirror/internal/logging"
)

type shutdownPhase struct {
	name string
	stop func(context.Context) error
}

// shutdownCoordinator stops components in registration order exactly once,
// collecting every failure.
type shutdownCoordinator struct {
	logger *logging.Logger
	once   sync.Once
	phases []shutdownPhase
	err    error
}

func newShutdownCoordinator(logger *logging.Logger) *shutdownCoordinator {
	return &shutdownCoordinator{
		logger: logger,
	}
}

func (coordinator *shutdownCoordinator) Add(name string, stop func(context.Context) error) {
	if coordinator == nil || stop == nil {
		return
	}
	coordinator.phases = append(coordinator.phases, shutdownPhase{
		name: name,
		stop: stop,
	})
}

// Run executes the phases. Later calls return the first run's result.
func (coordinator *shutdownCoordinator) Run(ctx context.Context) error {
	if coordinator == nil {
		return nil
	}
	coordinator.once.Do(func() {
		for _, phase := range coordinator.phases {
			started := time.Now()
			err := phase.stop(ctx)
			fields := map[string]string{
				"phase":       phase.name,
				"duration_ms": strconv.FormatInt(time.Since(started).Milliseconds(), 10),
			}
			if err != nil {
				coordinator.err = errors.Join(coordinator.err, err)
				fields["error"] = err.Error()
				coordinator.logger.Warn("shutdown phase failed", fields)
				continue
			}
			coordinator.logger.Info("shutdown phase finished", fields)
		}
	})
	return coordinator.err
}
