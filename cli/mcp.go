// ABOUTME: MCP server subcommand
// ABOUTME: Exposes calendar sync tools and read-only resources over stdio
package cli

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/calsync/handlers"
)

// NewMCPServer registers every calendar tool and resource.
func NewMCPServer(app *App, version string) *mcp.Server {
	calendarHandlers := handlers.NewCalendarHandlers(app.DB, app.Orchestrator, app.Engine)
	resourceHandlers := handlers.NewResourceHandlers(app.DB)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "calsync",
		Version: version,
	}, nil)

	// Register tools
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_calendar_accounts",
		Description: "List connected calendar accounts with webhook and sync health",
	}, calendarHandlers.ListAccounts)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_calendar_account",
		Description: "Run a two-way sync pass for one calendar account now",
	}, calendarHandlers.SyncAccount)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_user_calendars",
		Description: "Run a sync pass for every active calendar account of a user",
	}, calendarHandlers.SyncUser)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cleanup_calendar_events",
		Description: "Delete provider events that ended before the retention window; local events are kept",
	}, calendarHandlers.Cleanup)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_calendar_event",
		Description: "Create or edit a local event, appointment or task and queue it for push to the provider",
	}, calendarHandlers.QueueEvent)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_calendar_event",
		Description: "Delete a local event; events already at the provider are removed there on the next sync",
	}, calendarHandlers.DeleteEvent)

	// Register resources
	server.AddResource(&mcp.Resource{
		URI:         "calsync://accounts",
		Name:        "accounts",
		Description: "All connected calendar accounts",
		MIMEType:    "application/json",
	}, resourceHandlers.ReadResource)

	for _, tmpl := range []struct{ uri, name, desc string }{
		{"calsync://accounts/{id}", "account", "One calendar account with its event count"},
		{"calsync://accounts/{id}/events", "account-events", "Events stored for a calendar account"},
		{"calsync://accounts/{id}/runs", "account-runs", "Recent sync runs for a calendar account"},
	} {
		server.AddResourceTemplate(&mcp.ResourceTemplate{
			URITemplate: tmpl.uri,
			Name:        tmpl.name,
			Description: tmpl.desc,
			MIMEType:    "application/json",
		}, resourceHandlers.ReadResource)
	}

	return server
}

// MCPCommand starts the MCP server on stdio
func MCPCommand(app *App, version string) error {
	app.Log.Info("starting calsync MCP server")
	return NewMCPServer(app, version).Run(context.Background(), &mcp.StdioTransport{})
}
