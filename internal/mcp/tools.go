package mcp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/calcdeck/keygate/internal/exchange"
	"github.com/calcdeck/keygate/internal/model"
	"github.com/calcdeck/keygate/internal/service"
)

// registerTools registers every keygate tool on srv.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Conversion -----

	srv.AddTool(
		mcp.NewTool("convert_currency",
			mcp.WithDescription(
				"Convert an amount from one currency to another using live exchange rates. "+
					"The call is charged against the given API key's quota exactly like "+
					"POST /api/v1/convert.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("api_key",
				mcp.Required(),
				mcp.Description("keygate API key (ck_...)"),
			),
			mcp.WithString("from",
				mcp.Required(),
				mcp.Description("ISO 4217 source currency code, e.g. USD"),
			),
			mcp.WithString("to",
				mcp.Required(),
				mcp.Description("ISO 4217 target currency code, e.g. EUR"),
			),
			mcp.WithNumber("amount",
				mcp.Required(),
				mcp.Description("Amount of the source currency"),
			),
		),
		s.handleConvert,
	)

	// ----- Key management -----

	srv.AddTool(
		mcp.NewTool("list_keys",
			mcp.WithDescription("List the API keys of the configured owner, newest first. Raw keys are never returned."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListKeys,
	)

	srv.AddTool(
		mcp.NewTool("create_key",
			mcp.WithDescription(
				"Issue a new API key for the configured owner. The raw key appears in "+
					"this response only and cannot be retrieved again.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Human-readable name for the key"),
			),
			mcp.WithNumber("rate_limit",
				mcp.Description("Requests per window (default: gateway.default_rate_limit)"),
			),
			mcp.WithNumber("expires_in_days",
				mcp.Description("Days until the key expires (default: never)"),
			),
		),
		s.handleCreateKey,
	)

	srv.AddTool(
		mcp.NewTool("key_usage",
			mcp.WithDescription("Show the newest usage log entries of one of the owner's keys."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("key_id",
				mcp.Required(),
				mcp.Description("Id of the key, as returned by list_keys"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of entries (default 50, max 1000)"),
			),
		),
		s.handleKeyUsage,
	)
}

// convertResult is a conversion plus the quota left on the presenting key.
type convertResult struct {
	model.ConvertResponse
	RateLimitRemaining int       `json:"rateLimitRemaining"`
	RateLimitReset     time.Time `json:"rateLimitReset"`
}

// handleConvert validates the key through the gateway, then converts.
func (s *MCPServer) handleConvert(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	apiKey, err := requireString(request, "api_key")
	if err != nil {
		return toolError("Missing API key in api_key argument")
	}

	d, err := s.deps.Gateway.Validate(ctx, apiKey, service.RequestInfo{
		Endpoint:  Endpoint,
		Method:    "TOOL",
		UserAgent: "keygate-mcp",
	})
	if err != nil {
		s.logger.Error("api key validation failed", "error", err)
		return toolError("Failed to validate API key")
	}
	if !d.Admitted() {
		if d.Outcome == service.OutcomeRateLimited && d.Quota != nil {
			return toolError("%s. Resets at %s", d.Message, d.Quota.Reset.UTC().Format(time.RFC3339))
		}
		return toolError("%s", d.Message)
	}

	from := strings.TrimSpace(request.GetString("from", ""))
	to := strings.TrimSpace(request.GetString("to", ""))
	amount, ok := numberArg(request, "amount")
	if from == "" || to == "" || !ok {
		return toolError("Missing required fields: from, to, amount")
	}

	conv, err := s.deps.Provider.Convert(ctx, from, to, amount)
	if err != nil {
		logger := s.logger.With("key_id", d.Key.ID)
		var perr *exchange.ProviderError
		switch {
		case errors.As(err, &perr):
			return toolError("%s", perr.Error())
		case errors.Is(err, exchange.ErrNotConfigured):
			logger.Error("currency conversion unavailable", "error", err)
			return toolError("Exchange rate API not configured")
		case errors.Is(err, exchange.ErrUpstream):
			logger.Warn("exchange rate provider failed", "error", err, "from", from, "to", to)
			return toolError("Failed to fetch exchange rates")
		default:
			logger.Error("currency conversion failed", "error", err)
			return toolError("Internal server error")
		}
	}

	return successJSON(convertResult{
		ConvertResponse: model.ConvertResponse{
			From:      from,
			To:        to,
			Amount:    amount,
			Result:    conv.Result,
			Rate:      conv.Rate,
			Timestamp: time.Now().UTC(),
		},
		RateLimitRemaining: d.Quota.Remaining,
		RateLimitReset:     d.Quota.Reset.UTC(),
	})
}

func (s *MCPServer) handleListKeys(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keys, err := s.deps.Keys.ListKeys(ctx, s.deps.Owner)
	if err != nil {
		return s.serviceError("list keys", err)
	}
	return successJSON(model.ListKeysResponse{Keys: keys})
}

func (s *MCPServer) handleCreateKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	name, err := requireString(request, "name")
	if err != nil {
		return toolError("API key name is required")
	}

	issued, err := s.deps.Keys.CreateKey(ctx, s.deps.Owner, service.CreateKeyParams{
		Name:          name,
		RateLimit:     optionalInt(request, "rate_limit"),
		ExpiresInDays: optionalInt(request, "expires_in_days"),
	})
	if err != nil {
		return s.serviceError("create key", err)
	}
	return successJSON(model.CreateKeyResponse{
		APIKey:  issued.Plaintext,
		KeyInfo: issued.Info(),
		Warning: service.IssueWarning,
	})
}

func (s *MCPServer) handleKeyUsage(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	keyID, err := requireString(request, "key_id")
	if err != nil {
		return toolError("%v", err)
	}

	entries, err := s.deps.Keys.ListUsage(ctx, s.deps.Owner, keyID, request.GetInt("limit", service.DefaultUsageLimit))
	if err != nil {
		return s.serviceError("list key usage", err)
	}
	return successJSON(entries)
}

// serviceError reports a KeyService failure with its caller-facing message.
func (s *MCPServer) serviceError(op string, err error) (*mcp.CallToolResult, error) {
	if s.deps.Owner == "" && errors.Is(err, service.ErrUnauthorized) {
		return toolError("No owner configured. Restart with keygate mcp --owner <id> to manage keys")
	}
	if errors.Is(err, service.ErrStorage) || errors.Is(err, service.ErrInternal) {
		s.logger.Error(op+" failed", "error", err, "owner", s.deps.Owner)
	}
	return toolError("%s", service.Message(err))
}
