package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"

	"github.com/psaab/netcfgd/pkg/logging"
)

// setSSEHeaders configures the response for Server-Sent Events streaming.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEEvent writes a single SSE event to the response.
func writeSSEEvent(w http.ResponseWriter, id string, event string, data string) {
	fmt.Fprintf(w, "id: %s\n", id)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func writeRecord(w http.ResponseWriter, rec logging.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	writeSSEEvent(w, strconv.FormatUint(rec.Seq, 10), rec.Kind, string(data))
}

// eventStreamHandler streams records as they are added. It accepts the
// same ?kind= filter as the list endpoint; a Last-Event-ID header (or
// ?after=) first replays buffered records newer than that sequence.
func (s *Server) eventStreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if after, err := strconv.ParseUint(v, 10, 64); err == nil {
			f.After = after
		}
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying so nothing falls between the two.
	sub := s.eventBuf.Subscribe(128)
	defer sub.Close()

	last := f.After
	if f.After > 0 {
		backlog := s.eventBuf.LatestFiltered(s.eventBuf.Len(), f)
		slices.Reverse(backlog)
		for _, rec := range backlog {
			writeRecord(w, rec)
			last = rec.Seq
		}
	} else if fl, ok := w.(http.Flusher); ok {
		fl.Flush()
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			if rec.Seq <= last || (f.Kind != "" && rec.Kind != f.Kind) {
				continue
			}
			writeRecord(w, rec)
			last = rec.Seq
		}
	}
}
