package api

import (
	"github.com/mattjoyce/radar/internal/queue"
	"github.com/mattjoyce/radar/internal/state"
)

// SubmitRequest is the JSON body for POST /jobs.
type SubmitRequest struct {
	Jobs []queue.Job `json:"jobs"`
}

// SubmitResponse lists the ids assigned to the submitted jobs, in order.
type SubmitResponse struct {
	Submitted int      `json:"submitted"`
	JobIDs    []string `json:"job_ids"`
}

// PullResponse is returned by POST /jobs/pull when a job was available.
type PullResponse struct {
	Job *queue.Job `json:"job"`
}

// PopShareResponse is returned by POST /shares/pop.
type PopShareResponse struct {
	Shares []queue.ShareRecord `json:"shares"`
}

// PersistRequest is the JSON body for POST /records/{collection}.
type PersistRequest struct {
	Documents []state.Document `json:"documents"`
}

// FetchResponse is returned by GET /records/{collection}.
type FetchResponse struct {
	Collection string           `json:"collection"`
	Documents  []state.Document `json:"documents"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}
