// ABOUTME: MCP resource handlers for exposing calendar sync state
// ABOUTME: Provides read-only access to accounts, their events and sync run history via URI
package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/calsync/db"
)

const (
	resourceScheme   = "calsync://"
	resourceListSize = 200
	recentRunsLimit  = 50
)

type ResourceHandlers struct {
	accounts *db.AccountRepository
	events   *db.EventRepository
	runs     *db.SyncLogRepository
}

func NewResourceHandlers(database *db.DB) *ResourceHandlers {
	return &ResourceHandlers{
		accounts: db.NewAccountRepository(database),
		events:   db.NewEventRepository(database),
		runs:     db.NewSyncLogRepository(database),
	}
}

// ReadResource handles resource read requests
func (h *ResourceHandlers) ReadResource(ctx context.Context, request *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := request.Params.URI
	if !strings.HasPrefix(uri, resourceScheme) {
		return nil, fmt.Errorf("invalid URI scheme: expected %s", resourceScheme)
	}

	parts := strings.Split(strings.TrimPrefix(uri, resourceScheme), "/")
	if parts[0] != "accounts" {
		return nil, fmt.Errorf("unknown resource: %s", parts[0])
	}

	switch len(parts) {
	case 1:
		return h.readAllAccounts(ctx, uri)
	case 2:
		return h.readAccount(ctx, uri, parts[1])
	case 3:
		switch parts[2] {
		case "events":
			return h.readAccountEvents(ctx, uri, parts[1])
		case "runs":
			return h.readAccountRuns(ctx, uri, parts[1])
		}
	}
	return nil, fmt.Errorf("unknown resource: %s", uri)
}

func jsonContents(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}

	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{
		{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}}, nil
}

func (h *ResourceHandlers) readAllAccounts(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	accounts, err := h.accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch accounts: %w", err)
	}
	return jsonContents(uri, accounts)
}

func parseAccountID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid account ID: %w", err)
	}
	return id, nil
}

func (h *ResourceHandlers) readAccount(ctx context.Context, uri, rawID string) (*mcp.ReadResourceResult, error) {
	id, err := parseAccountID(rawID)
	if err != nil {
		return nil, err
	}

	acct, err := h.accounts.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}
	if acct == nil {
		return nil, fmt.Errorf("account not found: %s", rawID)
	}

	count, err := h.events.CountByAccount(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}

	return jsonContents(uri, map[string]any{
		"account":     acct,
		"event_count": count,
	})
}

func (h *ResourceHandlers) readAccountEvents(ctx context.Context, uri, rawID string) (*mcp.ReadResourceResult, error) {
	id, err := parseAccountID(rawID)
	if err != nil {
		return nil, err
	}

	events, err := h.events.ListByAccount(ctx, id, resourceListSize)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	return jsonContents(uri, events)
}

func (h *ResourceHandlers) readAccountRuns(ctx context.Context, uri, rawID string) (*mcp.ReadResourceResult, error) {
	id, err := parseAccountID(rawID)
	if err != nil {
		return nil, err
	}

	runs, err := h.runs.Recent(ctx, id, recentRunsLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sync runs: %w", err)
	}
	return jsonContents(uri, runs)
}
