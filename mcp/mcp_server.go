package mcp

import (
	"context"
	"fmt"
	"strconv"

	core "marketplace-backend/core/marketplace"
	mkmiddleware "marketplace-backend/middleware/marketplace"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer wraps the mcp-go server with the marketplace engine and the two
// role facades, so an agent can drive a job end to end over MCP.
type MCPServer struct {
	mcpServer *server.MCPServer
	engine    *mkmiddleware.Engine
	requester *mkmiddleware.RequesterAPI
	provider  *mkmiddleware.ProviderAPI
}

// NewMCPServer creates a new MCP server using the mcp-go library
func NewMCPServer(engine *mkmiddleware.Engine, requester *mkmiddleware.RequesterAPI, provider *mkmiddleware.ProviderAPI) *MCPServer {
	mcpServer := server.NewMCPServer(
		"Marketplace MCP Server",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s := &MCPServer{
		mcpServer: mcpServer,
		engine:    engine,
		requester: requester,
		provider:  provider,
	}

	s.registerTools()

	return s
}

// GetMCPServer returns the underlying MCP server for transport setup
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

// registerTools registers all MCP tools with the server
func (s *MCPServer) registerTools() {
	// Job tools
	s.registerListJobsTool()
	s.registerGetJobTool()
	s.registerJobStatusTool()

	// Lifecycle tools
	s.registerRequestQuoteTool()
	s.registerAcceptQuoteTool()
	s.registerRunJobTool()
	s.registerVerifyJobTool()
	s.registerPayJobTool()
}

// registerListJobsTool creates a tool for listing jobs
func (s *MCPServer) registerListJobsTool() {
	tool := mcp.NewTool("list_jobs",
		mcp.WithDescription("List marketplace jobs with optional filtering"),
		mcp.WithString("status", mcp.Description("Filter by job status (quoted, accepted, in_progress, completed, verified, paid, failed)")),
		mcp.WithString("requester", mcp.Description("Filter by requester identity")),
		mcp.WithString("provider", mcp.Description("Filter by provider identity")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of jobs to return")),
		mcp.WithNumber("offset", mcp.Description("Number of jobs to skip")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		filter := core.JobFilter{
			Status:    core.JobStatus(toString(args["status"])),
			Requester: toString(args["requester"]),
			Provider:  toString(args["provider"]),
			Limit:     int(toInt64(args["limit"])),
			Offset:    int(toInt64(args["offset"])),
		}
		if filter.Limit == 0 {
			filter.Limit = 50
		}

		jobs, err := s.engine.ListJobs(ctx, filter)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list jobs: %v", err)), nil
		}

		result := map[string]interface{}{
			"jobs":        jobs,
			"total_count": len(jobs),
		}

		return mcp.NewToolResultText(fmt.Sprintf("Found %d jobs:\n\n%+v", len(jobs), result)), nil
	})
}

// registerGetJobTool creates a tool for getting a specific job
func (s *MCPServer) registerGetJobTool() {
	tool := mcp.NewTool("get_job",
		mcp.WithDescription("Get the full record of a specific job, including its transition history"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("ID of job to retrieve")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		job, err := s.engine.GetJob(ctx, jobID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get job: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Job details:\n\n%+v", job)), nil
	})
}

// registerJobStatusTool creates a tool for getting just the status of a job
func (s *MCPServer) registerJobStatusTool() {
	tool := mcp.NewTool("get_job_status",
		mcp.WithDescription("Get the current status of a job"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("ID of job")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		job, err := s.engine.GetJob(ctx, jobID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get job: %v", err)), nil
		}

		result := map[string]interface{}{
			"job_id":       job.JobID,
			"status":       job.Status,
			"terminal":     job.Status.IsTerminal(),
			"artifact_ref": job.ArtifactRef,
			"payment_ref":  job.PaymentRef,
			"updated_at":   job.UpdatedAt,
		}

		return mcp.NewToolResultText(fmt.Sprintf("Job status:\n\n%+v", result)), nil
	})
}

// registerRequestQuoteTool creates a tool for requesting a quote and opening a job
func (s *MCPServer) registerRequestQuoteTool() {
	tool := mcp.NewTool("request_quote",
		mcp.WithDescription("Request a signed quote for a task and record the resulting job"),
		mcp.WithString("task_kind", mcp.Required(), mcp.Description("Task kind (create_issue or translate_text)")),
		mcp.WithObject("params", mcp.Description("Task parameters, e.g. repo and title for create_issue")),
		mcp.WithNumber("max_price_units", mcp.Description("Reject quotes above this price; 0 means no cap")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		taskKind, err := request.RequireString("task_kind")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		params := map[string]string{}
		for k, v := range toMap(args["params"]) {
			params[k] = toString(v)
		}

		req := s.requester.NewQuoteRequest(core.TaskKind(taskKind), params, toInt64(args["max_price_units"]))
		quote, err := s.provider.Quote(req)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to quote: %v", err)), nil
		}

		job, err := s.engine.OpenJob(ctx, req, quote)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to open job: %v", err)), nil
		}

		result := map[string]interface{}{
			"job_id":      job.JobID,
			"terms_hash":  job.TermsHash,
			"price_units": quote.PriceUnits,
			"bond_units":  quote.BondUnits,
			"denom":       quote.Denom,
			"expires_at":  quote.ExpiresAt,
			"status":      job.Status,
		}

		return mcp.NewToolResultText(fmt.Sprintf("Quote recorded:\n\n%+v", result)), nil
	})
}

// registerAcceptQuoteTool creates a tool for accepting quoted terms
func (s *MCPServer) registerAcceptQuoteTool() {
	tool := mcp.NewTool("accept_quote",
		mcp.WithDescription("Sign and record the requester's commitment to a quoted job"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("ID of quoted job to accept")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		job, err := s.engine.GetJob(ctx, jobID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get job: %v", err)), nil
		}

		job, err = s.requester.Accept(ctx, jobID, job.TermsHash)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to accept: %v", err)), nil
		}

		result := map[string]interface{}{
			"job_id":  job.JobID,
			"status":  job.Status,
			"message": "Terms accepted. The provider may now perform the task.",
		}

		return mcp.NewToolResultText(fmt.Sprintf("Quote accepted:\n\n%+v", result)), nil
	})
}

// registerRunJobTool creates a tool for performing a job and submitting the receipt
func (s *MCPServer) registerRunJobTool() {
	tool := mcp.NewTool("run_job",
		mcp.WithDescription("Perform an accepted job and submit the signed completion receipt"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("ID of accepted job to run")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		job, err := s.provider.PerformAndSubmit(ctx, jobID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to run job: %v", err)), nil
		}

		result := map[string]interface{}{
			"job_id":       job.JobID,
			"status":       job.Status,
			"artifact_ref": job.ArtifactRef,
			"message":      "Receipt recorded. The requester may now verify.",
		}

		return mcp.NewToolResultText(fmt.Sprintf("Job completed:\n\n%+v", result)), nil
	})
}

// registerVerifyJobTool creates a tool for running the verification gate
func (s *MCPServer) registerVerifyJobTool() {
	tool := mcp.NewTool("verify_job",
		mcp.WithDescription("Independently verify the recorded artifact of a completed job"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("ID of completed job to verify")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		job, err := s.engine.VerifyJob(ctx, jobID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to verify job: %v", err)), nil
		}

		result := map[string]interface{}{
			"job_id": job.JobID,
			"status": job.Status,
		}
		if job.Verification != nil {
			result["passed"] = job.Verification.Passed
			result["evidence"] = job.Verification.Evidence
		}

		return mcp.NewToolResultText(fmt.Sprintf("Verification result:\n\n%+v", result)), nil
	})
}

// registerPayJobTool creates a tool for releasing payment
func (s *MCPServer) registerPayJobTool() {
	tool := mcp.NewTool("pay_job",
		mcp.WithDescription("Release payment for a verified job"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("ID of verified job to pay")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := request.RequireString("job_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		job, err := s.engine.PayJob(ctx, jobID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to pay job: %v", err)), nil
		}

		result := map[string]interface{}{
			"job_id":      job.JobID,
			"status":      job.Status,
			"payment_ref": job.PaymentRef,
			"payee":       job.Provider,
			"amount":      job.Terms.PriceUnits,
			"denom":       job.Terms.Denom,
		}

		return mcp.NewToolResultText(fmt.Sprintf("Payment released:\n\n%+v", result)), nil
	})
}

// Helper function to convert interface{} to string
func toString(val interface{}) string {
	if val == nil {
		return ""
	}
	if str, ok := val.(string); ok {
		return str
	}
	return fmt.Sprintf("%v", val)
}

// Helper function to convert interface{} to int64
func toInt64(val interface{}) int64 {
	if i, ok := val.(int64); ok {
		return i
	}
	if i, ok := val.(int); ok {
		return int64(i)
	}
	if f, ok := val.(float64); ok {
		return int64(f)
	}
	if str, ok := val.(string); ok {
		if i, err := strconv.ParseInt(str, 10, 64); err == nil {
			return i
		}
	}
	return 0
}

// Helper function to convert interface{} to map[string]interface{}
func toMap(val interface{}) map[string]interface{} {
	if m, ok := val.(map[string]interface{}); ok {
		return m
	}
	return nil
}
