package daemon

import (
	"context"
	"strings"

	"schd/internal/config"
	"schd/internal/eventbus"
	"schd/internal/notify"
	logx "schd/pkg/logx"
)

// applyReloads applies hot-reloadable sections (logging, error_notifier) of
// each committed config. Other changes are logged as needing a restart.
func (d *Daemon) applyReloads(ctx context.Context) {
	sub := d.cfgm.Subscribe(4)
	defer d.cfgm.Unsubscribe(sub)

	last := d.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: apply only the newest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			d.apply(last, next)
			last = next
		}
	}
}

func (d *Daemon) apply(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		d.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	d.log.Info("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			d.logs.Apply(d.loggerConfig(next))
		case "error_notifier":
			ncfg, err := next.NotifierConfig()
			if err != nil {
				d.log.Warn("invalid error_notifier config; keeping previous", logx.Err(err))
				continue
			}
			n, err := notify.New(ncfg, d.log.With(logx.String("comp", "notifier")))
			if err != nil {
				d.log.Warn("error notifier rebuild failed; keeping previous", logx.Err(err))
				continue
			}
			d.notifier.Set(n)
			d.log.Info("error notifier replaced", logx.String("type", strings.TrimSpace(ncfg.Type)))
		}
	}
	if len(restart) > 0 {
		d.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
}

// logEvents mirrors bus events at debug level.
func (d *Daemon) logEvents(ctx context.Context) {
	events, unsub := d.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			d.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			if e.Type == eventbus.TypeStreamClosed {
				d.log.Info("event stream reconnecting", logx.Any("reason", e.Data))
			}
		}
	}
}
