package app

import (
	"context"
	"slices"
	"strings"

	"retryq/internal/config"
	"retryq/internal/processor"
	logx "retryq/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts: only the newest config matters
		drain:
			for {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						cfg = newer
					}
				default:
					break drain
				}
			}
			if cfg == nil {
				continue
			}
			a.apply(ctx, last, cfg)
			last = cfg
		}
	}
}

// apply pushes the sections that changed between prev and next into the
// running components. Storage and strict_queues need a restart.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs, queues := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(queues) > 0 {
		a.log.Debug("queue overrides changed", logx.Any("queues", queues))
	}

	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLogging(next))
	}

	if slices.Contains(sections, "storage") {
		if sc, err := mapStorage(next); err == nil && sc != a.storeCfg {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}
	if next.StrictQueues != a.strict {
		a.log.Warn("strict_queues changed; restart required for changes to take effect")
	}

	if slices.Contains(sections, "queue") || slices.Contains(sections, "queues") {
		base, overrides, err := mapQueues(next)
		if err != nil {
			a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
		} else if err := a.reg.Configure(base, overrides); err != nil {
			a.log.Warn("queue reconfigure failed", logx.Err(err))
		} else {
			for name := range overrides {
				if _, err := a.reg.Get(name); err != nil {
					a.log.Warn("queue create failed", logx.String("queue", name), logx.Err(err))
				}
			}
		}
	}

	if slices.Contains(sections, "processor") {
		if pc, err := mapProcessor(next); err != nil {
			a.log.Warn("invalid processor config; keeping previous", logx.Err(err))
		} else if proc, err := processor.New(pc, a.log.With(logx.String("comp", "processor"))); err != nil {
			a.log.Warn("processor rebuild failed; keeping previous", logx.Err(err))
		} else {
			a.reg.SetProcessor(proc)
		}
	}

	if slices.Contains(sections, "schedules") {
		scfg, entries := mapSchedules(next)
		if err := a.sched.Replace(entries); err != nil {
			a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
		} else if err := a.sched.Apply(scfg); err != nil {
			a.log.Warn("invalid scheduler timezone; keeping previous", logx.Err(err))
		}
	}

	if slices.Contains(sections, "http") {
		if hc, err := mapHTTP(next); err != nil {
			a.log.Warn("invalid http config; keeping previous", logx.Err(err))
		} else {
			a.http.Reconfigure(ctx, hc)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
