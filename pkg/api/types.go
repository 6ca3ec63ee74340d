// Package api implements the HTTP control plane and the Prometheus
// metrics endpoint.
package api

import (
	"time"

	"github.com/psaab/netcfgd/pkg/plugin"
	"github.com/psaab/netcfgd/pkg/reconcile"
	"github.com/psaab/netcfgd/pkg/wan"
)

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime        string               `json:"uptime"`
	Instances     int                  `json:"instances"`
	Passes        uint64               `json:"passes"`
	FailedPasses  uint64               `json:"failed_passes"`
	InProgress    bool                 `json:"in_progress"`
	LastApplied   time.Time            `json:"last_applied,omitzero"`
	LastDuration  string               `json:"last_duration,omitempty"`
	ReapplyQueued bool                 `json:"reapply_queued"`
	WAN           map[string]WANStatus `json:"wan"`
}

// WANStatus is the summary of one WAN link.
type WANStatus struct {
	Interface   string `json:"interface"`
	Ready       bool   `json:"ready"`
	PendingTest bool   `json:"pendingTest"`
	Active      bool   `json:"active"`
	Carrier     bool   `json:"carrier"`
	Failures    int    `json:"failures"`
	Renewals    uint64 `json:"renewals"`
}

func wanStatus(st wan.Status) WANStatus {
	return WANStatus{
		Interface:   st.Interface,
		Ready:       st.Ready,
		PendingTest: st.PendingTest,
		Active:      st.Active,
		Carrier:     st.Carrier,
		Failures:    st.FailureCount,
		Renewals:    st.Renewals,
	}
}

// PassResponse is a reconciliation pass as the API reports it.
type PassResponse struct {
	*reconcile.Result
	Errors []string `json:"errors,omitempty"`
}

func passResponse(r *reconcile.Result) *PassResponse {
	if r == nil {
		return nil
	}
	return &PassResponse{Result: r, Errors: r.Messages()}
}

// RejectedResponse is the data of a 422 reply.
type RejectedResponse struct {
	Reasons    []string `json:"reasons"`
	Validation bool     `json:"validation"`
	RolledBack bool     `json:"rolled_back"`
}

// PluginResponse is one instance with its state snapshot.
type PluginResponse struct {
	plugin.Info
	State      any    `json:"state,omitempty"`
	StateError string `json:"state_error,omitempty"`
}

// HistoryResponse is one accepted configuration, without its tree.
type HistoryResponse struct {
	Index     int       `json:"index"`
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Comment   string    `json:"comment,omitempty"`
}
