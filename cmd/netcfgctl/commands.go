package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/psaab/netcfgd/pkg/api"
	"github.com/psaab/netcfgd/pkg/grpcapi"
	"github.com/psaab/netcfgd/pkg/logging"
	"github.com/psaab/netcfgd/pkg/plugin"
)

// ctl runs operator commands against one daemon and prints to out.
type ctl struct {
	c        *client
	grpcAddr string
	out      io.Writer
}

// passView is the subset of a pass reply the CLI prints.
type passView struct {
	DryRun   bool          `json:"dry_run"`
	Duration time.Duration `json:"duration"`
	Flags    string        `json:"flags"`
	Plan     struct {
		Added   []plugin.ID `json:"added"`
		Removed []plugin.ID `json:"removed"`
		Changed []plugin.ID `json:"changed"`
		Dirty   []plugin.ID `json:"dirty"`
	} `json:"plan"`
	Applied []plugin.ID `json:"applied"`
	Errors  []string    `json:"errors"`
}

func (c *ctl) printf(format string, args ...any) { fmt.Fprintf(c.out, format, args...) }

func (c *ctl) status(ctx context.Context) error {
	var st api.StatusResponse
	if err := c.c.call(ctx, http.MethodGet, "/api/v1/status", nil, nil, &st); err != nil {
		return err
	}
	c.printf("Uptime:        %s\n", st.Uptime)
	c.printf("Instances:     %d\n", st.Instances)
	c.printf("Passes:        %d (%d failed)\n", st.Passes, st.FailedPasses)
	if !st.LastApplied.IsZero() {
		c.printf("Last applied:  %s (%s)\n", st.LastApplied.Format(time.RFC3339), st.LastDuration)
	}
	if st.InProgress {
		c.printf("Pass in progress\n")
	}
	if st.ReapplyQueued {
		c.printf("Reapply queued\n")
	}
	if len(st.WAN) > 0 {
		c.printf("\n")
		c.printWAN(st.WAN)
	}
	return nil
}

func (c *ctl) wan(ctx context.Context) error {
	var ws map[string]api.WANStatus
	if err := c.c.call(ctx, http.MethodGet, "/api/v1/wan", nil, nil, &ws); err != nil {
		return err
	}
	if len(ws) == 0 {
		c.printf("No WAN links configured\n")
		return nil
	}
	c.printWAN(ws)
	return nil
}

func (c *ctl) printWAN(ws map[string]api.WANStatus) {
	names := make([]string, 0, len(ws))
	for n := range ws {
		names = append(names, n)
	}
	slices.Sort(names)
	c.printf("%-12s %-12s %-8s %-8s %-8s %s\n", "WAN", "Interface", "Carrier", "Ready", "Active", "Failures")
	for _, n := range names {
		w := ws[n]
		ready := yesNo(w.Ready)
		if w.PendingTest {
			ready = "testing"
		}
		c.printf("%-12s %-12s %-8s %-8s %-8s %d\n", n, w.Interface, yesNo(w.Carrier), ready, yesNo(w.Active), w.Failures)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func (c *ctl) plugins(ctx context.Context, category string) error {
	q := url.Values{}
	if category != "" {
		q.Set("category", category)
	}
	var infos []plugin.Info
	if err := c.c.call(ctx, http.MethodGet, "/api/v1/plugins", q, nil, &infos); err != nil {
		return err
	}
	c.printf("%-28s %-5s %-8s %s\n", "Instance", "Seq", "Changed", "Depends on")
	for _, in := range infos {
		deps := make([]string, len(in.Publishers))
		for i, p := range in.Publishers {
			deps[i] = p.String()
		}
		c.printf("%-28s %-5d %-8s %s\n", in.ID, in.InitSeq, yesNo(in.Changed), strings.Join(deps, ", "))
	}
	return nil
}

func (c *ctl) plugin(ctx context.Context, ref string) error {
	id, err := plugin.ParseID(ref)
	if err != nil {
		return err
	}
	var pr json.RawMessage
	path := "/api/v1/plugins/" + url.PathEscape(id.Category) + "/" + url.PathEscape(id.Name)
	if err := c.c.call(ctx, http.MethodGet, path, nil, nil, &pr); err != nil {
		return err
	}
	return c.printJSON(pr)
}

func (c *ctl) printJSON(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *ctl) configShow(ctx context.Context) error {
	data, err := c.c.raw(ctx, "/api/v1/config", url.Values{"format": {"yaml"}})
	if err != nil {
		return err
	}
	_, err = c.out.Write(data)
	return err
}

// configApply submits the file at path ("-" for stdin) through the gate.
func (c *ctl) configApply(ctx context.Context, path string, dryRun bool, comment string) error {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	q := url.Values{}
	if dryRun {
		q.Set("dry_run", "true")
	} else if comment != "" {
		q.Set("comment", comment)
	}
	var pass passView
	if err := c.c.call(ctx, http.MethodPost, "/api/v1/config", q, data, &pass); err != nil {
		return c.rejected(err)
	}
	c.printPass(&pass)
	return nil
}

// rejected expands a 422 reply into its reasons.
func (c *ctl) rejected(err error) error {
	var ae *apiError
	if !errors.As(err, &ae) || ae.Status != http.StatusUnprocessableEntity {
		return err
	}
	var rr api.RejectedResponse
	if json.Unmarshal(ae.Data, &rr) == nil {
		for _, r := range rr.Reasons {
			c.printf("  %s\n", r)
		}
		if rr.RolledBack {
			c.printf("previous configuration restored\n")
		}
	}
	return fmt.Errorf("configuration rejected")
}

func (c *ctl) printPass(p *passView) {
	verb := "applied"
	if p.DryRun {
		verb = "planned"
	}
	c.printf("Pass %s in %s (flags: %s)\n", verb, p.Duration, orNone(p.Flags))
	list := func(label string, ids []plugin.ID) {
		if len(ids) == 0 {
			return
		}
		s := make([]string, len(ids))
		for i, id := range ids {
			s[i] = id.String()
		}
		c.printf("  %-8s %s\n", label+":", strings.Join(s, ", "))
	}
	list("added", p.Plan.Added)
	list("removed", p.Plan.Removed)
	list("changed", p.Plan.Changed)
	if p.DryRun {
		list("dirty", p.Plan.Dirty)
	} else {
		list("applied", p.Applied)
	}
	for _, e := range p.Errors {
		c.printf("  error: %s\n", e)
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func (c *ctl) reapply(ctx context.Context, now bool) error {
	if !now {
		if err := c.c.call(ctx, http.MethodPost, "/api/v1/reapply", nil, nil, nil); err != nil {
			return err
		}
		c.printf("Reapply scheduled\n")
		return nil
	}
	var pass passView
	if err := c.c.call(ctx, http.MethodPost, "/api/v1/reapply", url.Values{"now": {"true"}}, nil, &pass); err != nil {
		return err
	}
	c.printPass(&pass)
	return nil
}

func (c *ctl) history(ctx context.Context) error {
	var hs []api.HistoryResponse
	if err := c.c.call(ctx, http.MethodGet, "/api/v1/config/history", nil, nil, &hs); err != nil {
		return err
	}
	for _, h := range hs {
		mark := " "
		if h.Index == 0 {
			mark = "*"
		}
		c.printf("%s %3d  %s  %s\n", mark, h.Index, h.Timestamp.Format(time.DateTime), h.Comment)
	}
	return nil
}

func (c *ctl) rollback(ctx context.Context, n int) error {
	var pass passView
	q := url.Values{"n": {strconv.Itoa(n)}}
	if err := c.c.call(ctx, http.MethodPost, "/api/v1/config/rollback", q, nil, &pass); err != nil {
		return c.rejected(err)
	}
	c.printPass(&pass)
	return nil
}

func (c *ctl) events(ctx context.Context, kind string, n int) error {
	q := url.Values{"n": {strconv.Itoa(n)}}
	if kind != "" {
		q.Set("kind", kind)
	}
	var recs []logging.Record
	if err := c.c.call(ctx, http.MethodGet, "/api/v1/events", q, nil, &recs); err != nil {
		return err
	}
	// Oldest first on a terminal.
	for i := len(recs) - 1; i >= 0; i-- {
		c.printRecord(recs[i])
	}
	return nil
}

func (c *ctl) printRecord(r logging.Record) {
	c.printf("%s %-5s %-5s %s\n", r.Time.Local().Format(time.TimeOnly), r.Kind, r.Level, r.Message)
}

// follow prints streamed records until ctx is done.
func (c *ctl) follow(ctx context.Context, kind string) error {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	// The stream outlives the client timeout.
	stream := *c.c
	stream.http = &http.Client{}
	resp, err := stream.do(ctx, http.MethodGet, "/api/v1/events/stream", q, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &apiError{Status: resp.StatusCode}
	}
	return readSSE(resp.Body, func(data []byte) {
		var r logging.Record
		if json.Unmarshal(data, &r) == nil {
			c.printRecord(r)
		}
	})
}

// readSSE calls fn with the data of every event in r.
func readSSE(r io.Reader, fn func([]byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var data []byte
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				fn(data)
				data = nil
			}
		case strings.HasPrefix(line, "data:"):
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")...)
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// health queries the gRPC health service. An empty wan checks the
// uplink aggregate.
func (c *ctl) health(ctx context.Context, wanName string) error {
	conn, err := grpc.NewClient(c.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()
	svc := grpcapi.UplinkService
	if wanName != "" {
		svc = grpcapi.WANService(wanName)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
	if err != nil {
		return err
	}
	c.printf("%s: %s\n", svc, resp.GetStatus())
	return nil
}
