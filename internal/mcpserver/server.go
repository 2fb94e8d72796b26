// Package mcpserver exposes the literature tools over the Model
// Context Protocol so AI clients can call them through a stdio
// transport. Long-running work is enqueued on the job queue and polled
// with job_status rather than blocking the MCP call.
package mcpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/medlit/medlit/internal/errors"
	"github.com/medlit/medlit/internal/jobs"
	"github.com/medlit/medlit/internal/retrieval"
	"github.com/medlit/medlit/internal/store"
	"github.com/medlit/medlit/internal/syncer"
	"github.com/medlit/medlit/internal/tool"
	"github.com/medlit/medlit/pkg/version"
)

// Options wires the MCP server's collaborators.
type Options struct {
	Retrieval *retrieval.Service
	Syncer    *syncer.Syncer
	Queue     *jobs.Queue
	Jobs      store.JobStore
	Logger    *slog.Logger
}

// Server bridges MCP clients with the retrieval service and job queue.
type Server struct {
	mcp       *mcp.Server
	retrieval *retrieval.Service
	syncer    *syncer.Syncer
	queue     *jobs.Queue
	jobs      store.JobStore
	logger    *slog.Logger
}

// New creates the MCP server and registers its tools.
func New(opts Options) (*Server, error) {
	if opts.Retrieval == nil {
		return nil, errors.Invariant("mcp server requires a retrieval service")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		retrieval: opts.Retrieval,
		syncer:    opts.Syncer,
		queue:     opts.Queue,
		jobs:      opts.Jobs,
		logger:    opts.Logger,
	}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{Name: "medlit", Version: version.Version},
		nil,
	)
	s.registerTools()
	return s, nil
}

// GetInput addresses one stored document.
type GetInput struct {
	UID           string `json:"uid" jsonschema:"document UID, e.g. pubmed:12345678"`
	IncludeChunks bool   `json:"include_chunks,omitempty" jsonschema:"include the ordered chunk list"`
}

// SimilarInput addresses the referent document.
type SimilarInput struct {
	UID   string `json:"uid" jsonschema:"UID of the referent document"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results, default 10"`
}

// SyncInput identifies the source query to synchronize.
type SyncInput struct {
	Source      string `json:"source" jsonschema:"source name, e.g. pubmed"`
	Term        string `json:"term" jsonschema:"source query term to sync"`
	OverlapDays *int   `json:"overlap_days,omitempty" jsonschema:"override the watermark overlap window in days (0-30)"`
}

// JobRef points an MCP client at an enqueued job.
type JobRef struct {
	JobID  string `json:"job_id" jsonschema:"identifier to poll with job_status"`
	Status string `json:"status" jsonschema:"current job status"`
}

// JobStatusInput addresses one job.
type JobStatusInput struct {
	JobID string `json:"job_id" jsonschema:"job identifier returned by sync"`
}

// JobStatusOutput is the polled job state.
type JobStatusOutput struct {
	JobID      string          `json:"job_id"`
	Tool       string          `json:"tool"`
	Status     string          `json:"status"`
	Progress   float64         `json:"progress"`
	Message    string          `json:"message,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// registerTools binds the tool set onto the MCP server.
func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: tool.NameSearch,
		Description: "Hybrid search over ingested biomedical literature. Combines " +
			"lexical and vector retrieval with evidence-aware reranking; returns " +
			"reconstructed abstracts or raw chunks.",
	}, s.handleSearch)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        tool.NameGet,
		Description: "Fetch one stored document by UID, optionally with its ordered chunks.",
	}, s.handleGet)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        tool.NameSimilar,
		Description: "Find documents similar to a referent document.",
	}, s.handleSimilar)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: tool.NameSync,
		Description: "Start an incremental sync of a source query term. Returns a " +
			"job reference immediately; poll job_status for progress.",
	}, s.handleSync)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "job_status",
		Description: "Poll the status, progress, and result of an enqueued job.",
	}, s.handleJobStatus)

	s.logger.Info("mcp tools registered", "count", 5)
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, input retrieval.SearchRequest) (
	*mcp.CallToolResult, *retrieval.SearchResponse, error,
) {
	resp, err := s.retrieval.Search(ctx, input)
	if err != nil {
		return nil, nil, err
	}
	return nil, resp, nil
}

func (s *Server) handleGet(ctx context.Context, _ *mcp.CallToolRequest, input GetInput) (
	*mcp.CallToolResult, *retrieval.DocumentView, error,
) {
	if input.UID == "" {
		return nil, nil, errors.Validation("uid", "uid is required")
	}
	view, err := s.retrieval.GetByUID(ctx, input.UID, input.IncludeChunks)
	if err != nil {
		return nil, nil, err
	}
	return nil, view, nil
}

func (s *Server) handleSimilar(ctx context.Context, _ *mcp.CallToolRequest, input SimilarInput) (
	*mcp.CallToolResult, *retrieval.SearchResponse, error,
) {
	if input.UID == "" {
		return nil, nil, errors.Validation("uid", "uid is required")
	}
	if input.Limit <= 0 {
		input.Limit = 10
	}
	resp, err := s.retrieval.SimilarTo(ctx, input.UID, input.Limit)
	if err != nil {
		return nil, nil, err
	}
	return nil, resp, nil
}

// handleSync enqueues the sync instead of running it inline; MCP calls
// must stay short and the job queue already owns retries and
// cancellation.
func (s *Server) handleSync(ctx context.Context, _ *mcp.CallToolRequest, input SyncInput) (
	*mcp.CallToolResult, *JobRef, error,
) {
	if s.queue == nil {
		return nil, nil, errors.New(errors.CodeUnavailable, "job queue is not configured")
	}

	params, err := json.Marshal(input)
	if err != nil {
		return nil, nil, errors.Wrap(errors.CodeValidation, "invalid sync params", err)
	}
	job, _, err := s.queue.Enqueue(ctx, tool.NameSync, params, "")
	if err != nil {
		return nil, nil, err
	}
	return nil, &JobRef{JobID: job.ID, Status: string(job.Status)}, nil
}

func (s *Server) handleJobStatus(ctx context.Context, _ *mcp.CallToolRequest, input JobStatusInput) (
	*mcp.CallToolResult, *JobStatusOutput, error,
) {
	if input.JobID == "" {
		return nil, nil, errors.Validation("job_id", "job_id is required")
	}
	job, err := s.jobs.GetJob(ctx, input.JobID)
	if err != nil {
		return nil, nil, err
	}
	return nil, &JobStatusOutput{
		JobID:      job.ID,
		Tool:       job.Tool,
		Status:     string(job.Status),
		Progress:   job.Progress,
		Message:    job.Message,
		Result:     job.Result,
		ErrorCode:  job.ErrorCode,
		FinishedAt: job.FinishedAt,
	}, nil
}

// Run serves MCP over stdio until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting mcp server", "transport", "stdio")
	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && err != context.Canceled {
		s.logger.Error("mcp server stopped with error", "error", err)
		return err
	}
	s.logger.Info("mcp server stopped")
	return nil
}
