package monitoring

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/lthibault/jitterbug"
	"go.uber.org/zap"
)

// MemorySweeper periodically forces a collection and returns freed heap to the OS
type MemorySweeper struct {
	interval time.Duration
	sweep    func()
	log      *zap.SugaredLogger
}

// NewMemorySweeper creates a sweeper that runs roughly every interval
func NewMemorySweeper(interval time.Duration) *MemorySweeper {
	return &MemorySweeper{
		interval: interval,
		sweep:    freeMemory,
		log:      zap.S().Named("memory"),
	}
}

// Run sweeps until ctx is done
func (s *MemorySweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := jitterbug.New(s.interval, &jitterbug.Norm{Stdev: s.interval / 20, Mean: 0})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.Sweep()
	}
}

// Sweep runs a single collection
func (s *MemorySweeper) Sweep() {
	start := time.Now()
	s.sweep()
	s.log.Debugw("memory swept", "duration", time.Since(start))
}

func freeMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}
