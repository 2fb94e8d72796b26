package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/retrieval"
	"github.com/medlit/medlit/internal/store"
	"github.com/medlit/medlit/internal/syncer"
)

// Tool names bound by RegisterAll.
const (
	NameSearch        = "search"
	NameGet           = "get"
	NameSimilar       = "similar"
	NameSync          = "sync"
	NameCheckpointGet = "checkpoint.get"
	NameCheckpointSet = "checkpoint.set"
	NameJobsGet       = "jobs.get"
	NameJobsList      = "jobs.list"
	NameJobsCancel    = "jobs.cancel"
	NamePing          = "ping"
)

// RegisterAll binds the standard tool set. jobs may be nil when the
// deployment runs without a job queue.
func RegisterAll(r *Registry, svc *retrieval.Service, sync *syncer.Syncer, jobs store.JobStore) {
	r.Register(&SearchTool{svc: svc})
	r.Register(&GetTool{svc: svc})
	r.Register(&SimilarTool{svc: svc})
	r.Register(&SyncTool{syncer: sync})
	r.Register(&CheckpointGetTool{syncer: sync})
	r.Register(&CheckpointSetTool{syncer: sync})
	r.Register(&PingTool{})
	if jobs != nil {
		r.Register(&JobsGetTool{jobs: jobs})
		r.Register(&JobsListTool{jobs: jobs})
		r.Register(&JobsCancelTool{jobs: jobs})
	}
}

// decodeParams unmarshals params strictly; unknown fields are
// VALIDATION errors so typos fail loudly instead of being ignored.
func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		params = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errors.CodeValidation, "malformed tool params", err)
	}
	return nil
}

// SearchTool runs hybrid literature search.
type SearchTool struct {
	svc *retrieval.Service
}

func (t *SearchTool) Name() string           { return NameSearch }
func (t *SearchTool) Description() string    { return "Hybrid search over ingested literature" }
func (t *SearchTool) LongRunning() bool      { return false }
func (t *SearchTool) Timeout() time.Duration { return 10 * time.Second }

func (t *SearchTool) Validate(params json.RawMessage) error {
	var req retrieval.SearchRequest
	if err := decodeParams(params, &req); err != nil {
		return err
	}
	if req.Query == "" {
		return errors.Validation("query", "query is required")
	}
	return nil
}

// Gate rejects searches while the index breaker is open.
func (t *SearchTool) Gate() error { return t.svc.Gate() }

func (t *SearchTool) Run(ctx context.Context, params json.RawMessage, _ ProgressFunc) (any, error) {
	var req retrieval.SearchRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return t.svc.Search(ctx, req)
}

// getParams addresses one document.
type getParams struct {
	UID           string `json:"uid"`
	IncludeChunks bool   `json:"include_chunks,omitempty"`
}

// GetTool returns one stored document.
type GetTool struct {
	svc *retrieval.Service
}

func (t *GetTool) Name() string           { return NameGet }
func (t *GetTool) Description() string    { return "Fetch a document by UID" }
func (t *GetTool) LongRunning() bool      { return false }
func (t *GetTool) Timeout() time.Duration { return 5 * time.Second }

func (t *GetTool) Validate(params json.RawMessage) error {
	var p getParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	if p.UID == "" {
		return errors.Validation("uid", "uid is required")
	}
	return nil
}

func (t *GetTool) Run(ctx context.Context, params json.RawMessage, _ ProgressFunc) (any, error) {
	var p getParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return t.svc.GetByUID(ctx, p.UID, p.IncludeChunks)
}

// similarParams addresses the referent document.
type similarParams struct {
	UID   string `json:"uid"`
	Limit int    `json:"limit,omitempty"`
}

// SimilarTool finds documents similar to a referent.
type SimilarTool struct {
	svc *retrieval.Service
}

func (t *SimilarTool) Name() string           { return NameSimilar }
func (t *SimilarTool) Description() string    { return "Find documents similar to a referent" }
func (t *SimilarTool) LongRunning() bool      { return false }
func (t *SimilarTool) Timeout() time.Duration { return 10 * time.Second }

func (t *SimilarTool) Validate(params json.RawMessage) error {
	var p similarParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	if p.UID == "" {
		return errors.Validation("uid", "uid is required")
	}
	return nil
}

// Gate rejects similarity searches while the index breaker is open.
func (t *SimilarTool) Gate() error { return t.svc.Gate() }

func (t *SimilarTool) Run(ctx context.Context, params json.RawMessage, _ ProgressFunc) (any, error) {
	var p similarParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 10
	}
	return t.svc.SimilarTo(ctx, p.UID, p.Limit)
}

// syncParams identifies the sync window. OverlapDays, when set,
// overrides the configured watermark overlap for this run only.
type syncParams struct {
	Source      string `json:"source"`
	Term        string `json:"term"`
	OverlapDays *int   `json:"overlap_days,omitempty"`
}

// SyncTool runs incremental source sync. It is long-running and only
// executes through the job queue.
type SyncTool struct {
	syncer *syncer.Syncer
}

func (t *SyncTool) Name() string           { return NameSync }
func (t *SyncTool) Description() string    { return "Incrementally sync a source query term" }
func (t *SyncTool) LongRunning() bool      { return true }
func (t *SyncTool) Timeout() time.Duration { return 10 * time.Minute }

func (t *SyncTool) Validate(params json.RawMessage) error {
	var p syncParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	if p.Source == "" {
		return errors.Validation("source", "source is required")
	}
	if p.Term == "" {
		return errors.Validation("term", "term is required")
	}
	if p.OverlapDays != nil && (*p.OverlapDays < 0 || *p.OverlapDays > 30) {
		return errors.Validation("overlap_days", "overlap_days must be in [0, 30]")
	}
	return nil
}

func (t *SyncTool) Run(ctx context.Context, params json.RawMessage, progress ProgressFunc) (any, error) {
	var p syncParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.OverlapDays != nil {
		overlap := time.Duration(*p.OverlapDays) * 24 * time.Hour
		return t.syncer.SyncWithOverlap(ctx, p.Source, p.Term, overlap, progress)
	}
	return t.syncer.Sync(ctx, p.Source, p.Term, progress)
}

// checkpointParams addresses one watermark.
type checkpointParams struct {
	Source   string `json:"source,omitempty"`
	Term     string `json:"term,omitempty"`
	Position string `json:"position,omitempty"`
}

// CheckpointGetTool reads sync watermarks.
type CheckpointGetTool struct {
	syncer *syncer.Syncer
}

func (t *CheckpointGetTool) Name() string           { return NameCheckpointGet }
func (t *CheckpointGetTool) Description() string    { return "Read sync watermarks" }
func (t *CheckpointGetTool) LongRunning() bool      { return false }
func (t *CheckpointGetTool) Timeout() time.Duration { return 5 * time.Second }

func (t *CheckpointGetTool) Validate(params json.RawMessage) error {
	var p checkpointParams
	return decodeParams(params, &p)
}

func (t *CheckpointGetTool) Run(ctx context.Context, params json.RawMessage, _ ProgressFunc) (any, error) {
	var p checkpointParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	if p.Source == "" && p.Term == "" {
		return t.syncer.Checkpoints(ctx)
	}
	position, found, err := t.syncer.Checkpoint(ctx, p.Source, p.Term)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.NotFound("watermark", p.Source+"/"+p.Term)
	}
	return map[string]any{"source": p.Source, "term": p.Term, "position": position}, nil
}

// CheckpointSetTool overrides a watermark for operator resets.
type CheckpointSetTool struct {
	syncer *syncer.Syncer
}

func (t *CheckpointSetTool) Name() string           { return NameCheckpointSet }
func (t *CheckpointSetTool) Description() string    { return "Override a sync watermark" }
func (t *CheckpointSetTool) LongRunning() bool      { return false }
func (t *CheckpointSetTool) Timeout() time.Duration { return 5 * time.Second }

func (t *CheckpointSetTool) Validate(params json.RawMessage) error {
	var p checkpointParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	if p.Source == "" || p.Term == "" {
		return errors.Validation("source", "source and term are required")
	}
	if _, err := time.Parse(time.RFC3339, p.Position); err != nil {
		return errors.Validation("position", "position must be RFC3339")
	}
	return nil
}

func (t *CheckpointSetTool) Run(ctx context.Context, params json.RawMessage, _ ProgressFunc) (any, error) {
	var p checkpointParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	position, err := time.Parse(time.RFC3339, p.Position)
	if err != nil {
		return nil, errors.Validation("position", "position must be RFC3339")
	}
	if err := t.syncer.SetCheckpoint(ctx, p.Source, p.Term, position); err != nil {
		return nil, err
	}
	return map[string]any{"source": p.Source, "term": p.Term, "position": position}, nil
}

// jobParams addresses one job.
type jobParams struct {
	JobID string `json:"job_id"`
}

// JobSummary is the wire shape of a job across the tool surface.
type JobSummary struct {
	ID         string          `json:"id"`
	Tool       string          `json:"tool"`
	Status     store.JobStatus `json:"status"`
	Progress   float64         `json:"progress"`
	Message    string          `json:"message,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Attempts   int             `json:"attempts"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

func summarize(j *store.Job) *JobSummary {
	return &JobSummary{
		ID:         j.ID,
		Tool:       j.Tool,
		Status:     j.Status,
		Progress:   j.Progress,
		Message:    j.Message,
		Result:     j.Result,
		ErrorCode:  j.ErrorCode,
		Attempts:   j.Attempts,
		CreatedAt:  j.CreatedAt,
		FinishedAt: j.FinishedAt,
	}
}

// JobsGetTool reads one job's state.
type JobsGetTool struct {
	jobs store.JobStore
}

func (t *JobsGetTool) Name() string           { return NameJobsGet }
func (t *JobsGetTool) Description() string    { return "Read the state of one job" }
func (t *JobsGetTool) LongRunning() bool      { return false }
func (t *JobsGetTool) Timeout() time.Duration { return 5 * time.Second }

func (t *JobsGetTool) Validate(params json.RawMessage) error {
	var p jobParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	if p.JobID == "" {
		return errors.Validation("job_id", "job_id is required")
	}
	return nil
}

func (t *JobsGetTool) Run(ctx context.Context, params json.RawMessage, _ ProgressFunc) (any, error) {
	var p jobParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	job, err := t.jobs.GetJob(ctx, p.JobID)
	if err != nil {
		return nil, err
	}
	return summarize(job), nil
}

// jobsListParams filters a job listing.
type jobsListParams struct {
	Status string `json:"status,omitempty"`
	Tool   string `json:"tool,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

var listableStatuses = map[store.JobStatus]bool{
	store.JobQueued:    true,
	store.JobRunning:   true,
	store.JobSucceeded: true,
	store.JobFailed:    true,
	store.JobCancelled: true,
}

// JobsListTool lists jobs newest first.
type JobsListTool struct {
	jobs store.JobStore
}

func (t *JobsListTool) Name() string { return NameJobsList }
func (t *JobsListTool) Description() string {
	return "List jobs, optionally filtered by status and tool"
}
func (t *JobsListTool) LongRunning() bool      { return false }
func (t *JobsListTool) Timeout() time.Duration { return 5 * time.Second }

func (t *JobsListTool) Validate(params json.RawMessage) error {
	var p jobsListParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	if p.Status != "" && !listableStatuses[store.JobStatus(p.Status)] {
		return errors.Validation("status", "unknown job status "+p.Status)
	}
	if p.Limit < 0 {
		return errors.Validation("limit", "limit must not be negative")
	}
	return nil
}

func (t *JobsListTool) Run(ctx context.Context, params json.RawMessage, _ ProgressFunc) (any, error) {
	var p jobsListParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	list, err := t.jobs.ListJobs(ctx, store.JobFilter{
		Status: store.JobStatus(p.Status),
		Tool:   p.Tool,
		Limit:  p.Limit,
	})
	if err != nil {
		return nil, err
	}
	summaries := make([]*JobSummary, len(list))
	for i, j := range list {
		summaries[i] = summarize(j)
	}
	return map[string]any{"jobs": summaries, "total": len(summaries)}, nil
}

// JobsCancelTool flags a job for cancellation.
type JobsCancelTool struct {
	jobs store.JobStore
}

func (t *JobsCancelTool) Name() string { return NameJobsCancel }
func (t *JobsCancelTool) Description() string {
	return "Request cancellation of a queued or running job"
}
func (t *JobsCancelTool) LongRunning() bool      { return false }
func (t *JobsCancelTool) Timeout() time.Duration { return 5 * time.Second }

func (t *JobsCancelTool) Validate(params json.RawMessage) error {
	var p jobParams
	if err := decodeParams(params, &p); err != nil {
		return err
	}
	if p.JobID == "" {
		return errors.Validation("job_id", "job_id is required")
	}
	return nil
}

func (t *JobsCancelTool) Run(ctx context.Context, params json.RawMessage, _ ProgressFunc) (any, error) {
	var p jobParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	job, err := t.jobs.RequestCancel(ctx, p.JobID)
	if err != nil {
		return nil, err
	}
	return summarize(job), nil
}

// pingParams carries the optional echo message.
type pingParams struct {
	Message string `json:"message,omitempty"`
}

// PingTool answers liveness checks, echoing the caller's message.
type PingTool struct {
	// now is swappable for tests.
	now func() time.Time
}

func (t *PingTool) Name() string           { return NamePing }
func (t *PingTool) Description() string    { return "Liveness check" }
func (t *PingTool) LongRunning() bool      { return false }
func (t *PingTool) Timeout() time.Duration { return time.Second }

func (t *PingTool) Validate(params json.RawMessage) error {
	var p pingParams
	return decodeParams(params, &p)
}

func (t *PingTool) Run(ctx context.Context, params json.RawMessage, _ ProgressFunc) (any, error) {
	var p pingParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	pong := p.Message
	if pong == "" {
		pong = "pong"
	}
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	return map[string]string{
		"pong":        pong,
		"server_time": now().UTC().Format(time.RFC3339),
	}, nil
}
