package logging

import (
	"fmt"

	"github.com/psaab/netcfgd/pkg/plugin"
	"github.com/psaab/netcfgd/pkg/reconcile"
)

// PassRecord summarizes a reconciliation pass.
func PassRecord(r *reconcile.Result) Record {
	rec := Record{
		Time: r.Timestamp,
		Kind: KindPass,
		Fields: map[string]any{
			"duration_ms": r.Duration.Milliseconds(),
			"flags":       r.Flags.String(),
			"dry_run":     r.DryRun,
			"added":       len(r.Plan.Added),
			"removed":     len(r.Plan.Removed),
			"changed":     len(r.Plan.Changed),
			"applied":     len(r.Applied),
		},
	}
	kind := "pass"
	if r.DryRun {
		kind = "dry run"
	}
	if errs := r.Messages(); len(errs) > 0 {
		rec.Level = "warn"
		rec.Fields["errors"] = errs
		rec.Message = fmt.Sprintf("%s finished with %d error(s)", kind, len(errs))
	} else {
		rec.Message = fmt.Sprintf("%s applied %d instance(s)", kind, len(r.Applied))
	}
	return rec
}

// EventRecord converts a dispatcher event. WAN state changes become
// KindWAN records.
func EventRecord(ev plugin.Event) Record {
	rec := Record{Time: ev.Time, Kind: KindEvent, Fields: make(map[string]any, len(ev.Payload)+1)}
	for k, v := range ev.Payload {
		rec.Fields[k] = v
	}
	if ev.Target != (plugin.ID{}) {
		rec.Fields["target"] = ev.Target.String()
	}
	switch ev.Type {
	case plugin.EventWANState:
		rec.Kind = KindWAN
		ready, _ := ev.Payload["ready"].(bool)
		state := "not ready"
		if ready {
			state = "ready"
		}
		rec.Message = fmt.Sprintf("%s %s", ev.Target.Name, state)
		if !ready {
			rec.Level = "warn"
		}
	case plugin.EventCaptivePortal:
		rec.Kind = KindWAN
		rec.Level = "warn"
		rec.Message = fmt.Sprintf("captive portal on %s", ev.String("iface"))
	default:
		rec.Message = ev.Type
		if iface := ev.String("iface"); iface != "" {
			rec.Message += " " + iface
		}
	}
	return rec
}
