package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/psaab/netcfgd/pkg/config"
	"github.com/psaab/netcfgd/pkg/configstore"
	"github.com/psaab/netcfgd/pkg/logging"
	"github.com/psaab/netcfgd/pkg/plugin"
	"github.com/psaab/netcfgd/pkg/reconcile"
)

const maxConfigBody = 4 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: write response", "err", err)
	}
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

// writeApplyError maps a gate error to a response. Rejections are 422.
func writeApplyError(w http.ResponseWriter, err error) {
	var re *configstore.RejectedError
	if errors.As(err, &re) {
		writeJSON(w, http.StatusUnprocessableEntity, Response{
			Error: re.Error(),
			Data: RejectedResponse{
				Reasons:    re.Reasons,
				Validation: re.Validation,
				RolledBack: re.RolledBack,
			},
		})
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	st := s.engine.Stats()
	resp := StatusResponse{
		Uptime:       time.Since(s.startTime).Truncate(time.Second).String(),
		Instances:    s.engine.Registry().Len(),
		Passes:       st.Passes,
		FailedPasses: st.FailedPasses,
		InProgress:   st.InProgress,
		LastApplied:  st.LastApplied,
		WAN:          make(map[string]WANStatus),
	}
	if st.LastDuration > 0 {
		resp.LastDuration = st.LastDuration.String()
	}
	if s.sched != nil {
		resp.ReapplyQueued = s.sched.Pending()
	}
	for name, ws := range s.wan.Statuses() {
		resp.WAN[name] = wanStatus(ws)
	}
	writeOK(w, resp)
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	tree := s.store.Active()
	if tree == nil {
		tree = config.Tree{}
	}
	if r.URL.Query().Get("format") == "yaml" {
		data, err := tree.Format()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.Write(data)
		return
	}
	writeOK(w, tree)
}

// configApplyHandler takes a full tree as YAML or JSON and runs it through
// the gate. ?dry_run=true only plans it.
func (s *Server) configApplyHandler(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(data) > maxConfigBody {
		writeError(w, http.StatusRequestEntityTooLarge, "configuration too large")
		return
	}
	tree, err := config.Parse(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var res *reconcile.Result
	if queryBool(r, "dry_run") {
		res, err = s.store.TryApply(r.Context(), tree, true)
	} else {
		res, err = s.store.TryApplyComment(r.Context(), tree, r.URL.Query().Get("comment"))
	}
	if err != nil {
		writeApplyError(w, err)
		return
	}
	writeOK(w, passResponse(res))
}

func (s *Server) configHistoryHandler(w http.ResponseWriter, _ *http.Request) {
	entries := s.store.History()
	out := make([]HistoryResponse, len(entries))
	// Most recent first; index 0 is the active configuration.
	for i, e := range entries {
		out[i] = HistoryResponse{Index: i, ID: e.ID, Timestamp: e.Timestamp, Comment: e.Comment}
	}
	writeOK(w, out)
}

func (s *Server) configRollbackHandler(w http.ResponseWriter, r *http.Request) {
	n := 1
	if v := r.URL.Query().Get("n"); v != "" {
		var err error
		if n, err = strconv.Atoi(v); err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid rollback index %q", v))
			return
		}
	}
	res, err := s.store.Rollback(r.Context(), n)
	if err != nil {
		if configstore.IsRejected(err) {
			writeApplyError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOK(w, passResponse(res))
}

// reapplyHandler queues a debounced Reapply(nil); ?now=true runs it and
// returns the pass.
func (s *Server) reapplyHandler(w http.ResponseWriter, r *http.Request) {
	if !queryBool(r, "now") {
		if s.sched == nil {
			writeError(w, http.StatusServiceUnavailable, "reapply scheduler not available")
			return
		}
		s.sched.ScheduleReapply()
		writeJSON(w, http.StatusAccepted, Response{Success: true, Data: map[string]bool{"scheduled": true}})
		return
	}
	res, err := s.engine.Reapply(r.Context(), nil, false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, passResponse(res))
}

func (s *Server) pluginsHandler(w http.ResponseWriter, r *http.Request) {
	infos := s.engine.Registry().Snapshot()
	if cat := r.URL.Query().Get("category"); cat != "" {
		filtered := infos[:0]
		for _, in := range infos {
			if in.ID.Category == cat {
				filtered = append(filtered, in)
			}
		}
		infos = filtered
	}
	writeOK(w, infos)
}

func (s *Server) pluginHandler(w http.ResponseWriter, r *http.Request) {
	id := plugin.ID{Category: r.PathValue("category"), Name: r.PathValue("name")}
	reg := s.engine.Registry()
	info, ok := reg.Info(id)
	p, live := reg.Plugin(id)
	if !ok || !live {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no instance %s", id))
		return
	}
	resp := PluginResponse{Info: info}
	st, err := p.State(r.Context())
	if err != nil {
		resp.StateError = err.Error()
	}
	resp.State = st
	writeOK(w, resp)
}

func (s *Server) wanHandler(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]WANStatus)
	for name, ws := range s.wan.Statuses() {
		out[name] = wanStatus(ws)
	}
	writeOK(w, out)
}

// eventsHandler lists recent records, newest first.
// Supports ?kind=pass|wan|event, ?after=<seq> and ?n=<count>.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n := 100
	if v := r.URL.Query().Get("n"); v != "" {
		if n, err = strconv.Atoi(v); err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid count %q", v))
			return
		}
	}
	recs := s.eventBuf.LatestFiltered(n, f)
	if recs == nil {
		recs = []logging.Record{}
	}
	writeOK(w, recs)
}

func parseFilter(r *http.Request) (logging.Filter, error) {
	var f logging.Filter
	switch kind := r.URL.Query().Get("kind"); kind {
	case "", logging.KindPass, logging.KindWAN, logging.KindEvent:
		f.Kind = kind
	default:
		return f, fmt.Errorf("invalid kind %q", kind)
	}
	if v := r.URL.Query().Get("after"); v != "" {
		after, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid sequence %q", v)
		}
		f.After = after
	}
	return f, nil
}
