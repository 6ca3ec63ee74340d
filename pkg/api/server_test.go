package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/psaab/netcfgd/pkg/config"
	"github.com/psaab/netcfgd/pkg/configstore"
	"github.com/psaab/netcfgd/pkg/logging"
	"github.com/psaab/netcfgd/pkg/plugin"
	"github.com/psaab/netcfgd/pkg/reconcile"
)

type stubConfig struct {
	MTU  int  `yaml:"mtu" validate:"omitempty,min=68,max=9216"`
	Fail bool `yaml:"fail"`
}

type stubPlugin struct {
	plugin.Base
	cfg stubConfig
}

func (p *stubPlugin) Configure(n config.Node) error { return config.DecodeValid(n, &p.cfg) }

func (p *stubPlugin) Apply(context.Context, plugin.Handle) error {
	if p.cfg.Fail {
		return errors.New("link refused")
	}
	return nil
}

func (p *stubPlugin) Flush(context.Context) error { return nil }

func (p *stubPlugin) State(context.Context) (any, error) {
	return map[string]int{"mtu": p.cfg.MTU}, nil
}

type fakeScheduler struct{ scheduled int }

func (f *fakeScheduler) ScheduleReapply() { f.scheduled++ }
func (f *fakeScheduler) Pending() bool    { return f.scheduled > 0 }

type testServer struct {
	*Server
	engine *reconcile.Engine
	sched  *fakeScheduler
	events *logging.EventBuffer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	m, err := plugin.NewManifest(plugin.Registration{
		Category: "stub",
		InitSeq:  10,
		New:      func(plugin.ID) plugin.Plugin { return &stubPlugin{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	events := logging.NewEventBuffer(16)
	e := reconcile.New(m, plugin.NewRegistry(), reconcile.WithObserver(func(r *reconcile.Result) {
		events.Add(logging.PassRecord(r))
	}))
	sched := &fakeScheduler{}
	s := NewServer(Config{
		Store:     configstore.New(e, configstore.Options{}),
		Engine:    e,
		Scheduler: sched,
		EventBuf:  events,
		Dropped:   func() uint64 { return 0 },
	})
	return &testServer{Server: s, engine: e, sched: sched, events: events}
}

func (ts *testServer) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	w := httptest.NewRecorder()
	ts.Handler().ServeHTTP(w, httptest.NewRequest(method, target, rd))
	var resp Response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, target, w.Body.String(), err)
		}
	}
	return w, resp
}

// remarshal converts envelope data into a typed value.
func remarshal(t *testing.T, in, out any) {
	t.Helper()
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatal(err)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w, resp := ts.do(t, "GET", "/health", "")
	if w.Code != http.StatusOK || !resp.Success {
		t.Errorf("health = %d %+v", w.Code, resp)
	}
}

func TestConfigApplyAndGet(t *testing.T) {
	ts := newTestServer(t)
	w, resp := ts.do(t, "POST", "/api/v1/config?comment=first", "stub:\n  a: {mtu: 1500}\n")
	if w.Code != http.StatusOK || !resp.Success {
		t.Fatalf("apply = %d %s", w.Code, w.Body.String())
	}
	var pass struct {
		Applied []string `json:"applied"`
	}
	remarshal(t, resp.Data, &pass)
	if len(pass.Applied) != 1 || pass.Applied[0] != "stub/a" {
		t.Errorf("applied = %v", pass.Applied)
	}

	_, resp = ts.do(t, "GET", "/api/v1/config", "")
	var tree map[string]map[string]map[string]any
	remarshal(t, resp.Data, &tree)
	if tree["stub"]["a"]["mtu"] != float64(1500) {
		t.Errorf("config = %v", tree)
	}

	w, _ = ts.do(t, "GET", "/api/v1/config?format=yaml", "")
	if !strings.Contains(w.Body.String(), "mtu: 1500") {
		t.Errorf("yaml = %q", w.Body.String())
	}

	_, resp = ts.do(t, "GET", "/api/v1/config/history", "")
	var hist []HistoryResponse
	remarshal(t, resp.Data, &hist)
	if len(hist) != 1 || hist[0].Comment != "first" || hist[0].Index != 0 {
		t.Errorf("history = %+v", hist)
	}

	_, resp = ts.do(t, "GET", "/api/v1/status", "")
	var st StatusResponse
	remarshal(t, resp.Data, &st)
	if st.Passes != 1 || st.Instances != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestConfigRejectedIs422(t *testing.T) {
	ts := newTestServer(t)
	if w, _ := ts.do(t, "POST", "/api/v1/config", `{"stub": {"a": {"mtu": 1500}}}`); w.Code != http.StatusOK {
		t.Fatalf("json apply = %d %s", w.Code, w.Body.String())
	}
	w, resp := ts.do(t, "POST", "/api/v1/config", "stub:\n  a: {fail: true}\n")
	if w.Code != http.StatusUnprocessableEntity || resp.Success {
		t.Fatalf("rejected apply = %d %s", w.Code, w.Body.String())
	}
	var rej RejectedResponse
	remarshal(t, resp.Data, &rej)
	if len(rej.Reasons) != 1 || !strings.Contains(rej.Reasons[0], "link refused") || !rej.RolledBack {
		t.Errorf("rejection = %+v", rej)
	}

	w, resp = ts.do(t, "POST", "/api/v1/config", "stub:\n  a: {mtu: 10}\n")
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid mtu = %d %s", w.Code, w.Body.String())
	}

	_, resp = ts.do(t, "GET", "/api/v1/config", "")
	var tree map[string]map[string]map[string]any
	remarshal(t, resp.Data, &tree)
	if tree["stub"]["a"]["mtu"] != float64(1500) {
		t.Errorf("active config changed by rejected candidate: %v", tree)
	}
}

func TestConfigDryRun(t *testing.T) {
	ts := newTestServer(t)
	w, resp := ts.do(t, "POST", "/api/v1/config?dry_run=true", "stub:\n  a: {}\n  b: {}\n")
	if w.Code != http.StatusOK {
		t.Fatalf("dry run = %d %s", w.Code, w.Body.String())
	}
	var pass struct {
		DryRun bool `json:"dry_run"`
		Plan   struct {
			Added []string `json:"added"`
		} `json:"plan"`
	}
	remarshal(t, resp.Data, &pass)
	if !pass.DryRun || len(pass.Plan.Added) != 2 {
		t.Errorf("plan = %+v", pass)
	}
	if n := ts.engine.Registry().Len(); n != 0 {
		t.Errorf("dry run created %d instances", n)
	}
}

func TestConfigBadBody(t *testing.T) {
	ts := newTestServer(t)
	if w, _ := ts.do(t, "POST", "/api/v1/config", "stub: [unclosed"); w.Code != http.StatusBadRequest {
		t.Errorf("code = %d", w.Code)
	}
}

func TestReapply(t *testing.T) {
	ts := newTestServer(t)
	w, _ := ts.do(t, "POST", "/api/v1/reapply", "")
	if w.Code != http.StatusAccepted || ts.sched.scheduled != 1 {
		t.Errorf("scheduled = %d code = %d", ts.sched.scheduled, w.Code)
	}
	w, resp := ts.do(t, "POST", "/api/v1/reapply?now=true", "")
	if w.Code != http.StatusOK || !resp.Success {
		t.Errorf("now = %d %s", w.Code, w.Body.String())
	}
	if st := ts.engine.Stats(); st.Passes != 1 {
		t.Errorf("passes = %d", st.Passes)
	}
}

func TestPluginState(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, "POST", "/api/v1/config", "stub:\n  a: {mtu: 9000}\n")

	_, resp := ts.do(t, "GET", "/api/v1/plugins?category=stub", "")
	var infos []map[string]any
	remarshal(t, resp.Data, &infos)
	if len(infos) != 1 || infos[0]["id"] != "stub/a" {
		t.Errorf("plugins = %v", infos)
	}

	w, resp := ts.do(t, "GET", "/api/v1/plugins/stub/a", "")
	if w.Code != http.StatusOK {
		t.Fatalf("state = %d", w.Code)
	}
	var pr struct {
		State map[string]int `json:"state"`
	}
	remarshal(t, resp.Data, &pr)
	if pr.State["mtu"] != 9000 {
		t.Errorf("state = %+v", pr)
	}

	if w, _ := ts.do(t, "GET", "/api/v1/plugins/stub/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing = %d", w.Code)
	}
}

func TestEventsFilter(t *testing.T) {
	ts := newTestServer(t)
	ts.events.Add(logging.Record{Kind: logging.KindWAN, Message: "wan0 ready"})
	ts.do(t, "POST", "/api/v1/config", "stub:\n  a: {}\n")

	_, resp := ts.do(t, "GET", "/api/v1/events?kind=pass", "")
	var recs []logging.Record
	remarshal(t, resp.Data, &recs)
	if len(recs) != 1 || recs[0].Kind != logging.KindPass {
		t.Errorf("pass records = %+v", recs)
	}
	if w, _ := ts.do(t, "GET", "/api/v1/events?kind=bogus", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bogus kind = %d", w.Code)
	}
}

func TestEventStreamReplaysAndFollows(t *testing.T) {
	ts := newTestServer(t)
	ts.events.Add(logging.Record{Kind: logging.KindEvent, Message: "old"})
	ts.events.Add(logging.Record{Kind: logging.KindEvent, Message: "missed"})

	srv := httptest.NewServer(ts.Handler())
	defer srv.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/v1/events/stream", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "data: ") {
				lines <- strings.TrimPrefix(sc.Text(), "data: ")
			}
		}
		close(lines)
	}()
	next := func() logging.Record {
		t.Helper()
		select {
		case l := <-lines:
			var rec logging.Record
			if err := json.Unmarshal([]byte(l), &rec); err != nil {
				t.Fatal(err)
			}
			return rec
		case <-time.After(2 * time.Second):
			t.Fatal("no event")
		}
		return logging.Record{}
	}

	if rec := next(); rec.Message != "missed" || rec.Seq != 2 {
		t.Errorf("replayed = %+v", rec)
	}
	ts.events.Add(logging.Record{Kind: logging.KindEvent, Message: "live"})
	if rec := next(); rec.Message != "live" {
		t.Errorf("live = %+v", rec)
	}
}

func TestMetrics(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, "POST", "/api/v1/config", "stub:\n  a: {}\n  b: {}\n")
	w, _ := ts.do(t, "GET", "/metrics", "")
	body := w.Body.String()
	for _, want := range []string{
		"netcfgd_reconcile_passes_total 1",
		`netcfgd_instances{category="stub"} 2`,
		"netcfgd_events_dropped_total 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := authMiddleware(AuthConfig{Tokens: []string{"tok-abc-123"}}, ok)
	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"health bypass", "/health", nil, http.StatusOK},
		{"metrics bypass", "/metrics", nil, http.StatusOK},
		{"no token", "/api/v1/status", nil, http.StatusUnauthorized},
		{"bearer", "/api/v1/status", map[string]string{"Authorization": "Bearer tok-abc-123"}, http.StatusOK},
		{"api key", "/api/v1/status", map[string]string{"X-API-Key": "tok-abc-123"}, http.StatusOK},
		{"wrong token", "/api/v1/status", map[string]string{"X-API-Key": "tok-abc-124"}, http.StatusUnauthorized},
		{"basic rejected", "/api/v1/status", map[string]string{"Authorization": "Basic YWRtaW46eA=="}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", tt.path, nil)
		for k, v := range tt.header {
			req.Header.Set(k, v)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s: code = %d, want %d", tt.name, w.Code, tt.want)
		}
	}
}
