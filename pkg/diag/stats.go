package diag

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/brightclass/relay/pkg/bus"
	"github.com/brightclass/relay/pkg/logger"
)

// StatsReporter logs bus and journal counters on a cron schedule.
type StatsReporter struct {
	bus      *bus.Bus
	journal  *Journal
	schedule string
	gron     gronx.Gronx
}

// NewStatsReporter validates the cron expression and creates a reporter.
// journal may be nil when the journal is disabled.
func NewStatsReporter(b *bus.Bus, journal *Journal, schedule string) (*StatsReporter, error) {
	g := gronx.New()
	if !g.IsValid(schedule) {
		return nil, fmt.Errorf("invalid stats schedule %q", schedule)
	}
	return &StatsReporter{
		bus:      b,
		journal:  journal,
		schedule: schedule,
		gron:     *g,
	}, nil
}

// Run blocks until ctx is cancelled, emitting a stats line whenever the
// schedule is due. Call in a goroutine.
func (r *StatsReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := r.gron.IsDue(r.schedule, now)
			if err != nil || !due {
				continue
			}
			r.report()
		}
	}
}

func (r *StatsReporter) report() {
	published, dropped, subscribers := r.bus.Stats()
	fields := map[string]interface{}{
		"published":   published,
		"dropped":     dropped,
		"subscribers": subscribers,
	}
	if r.journal != nil {
		if n, err := r.journal.Count(); err == nil {
			fields["unrecognized"] = n
		}
	}
	logger.InfoCF("diag", "Realtime stats", fields)
}
