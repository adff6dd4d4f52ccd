// dbload MCP server.
// Exposes the dbload HTTP API as tools over the MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/dbload/internal/config"
	mcptools "github.com/gateway-fm/dbload/internal/mcp"
)

func main() {
	dbloadURL := os.Getenv("DBLOAD_URL")
	if dbloadURL == "" {
		dbloadURL = "http://localhost" + config.DefaultListenAddr
	}

	s := server.NewMCPServer(
		"dbload",
		config.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	mcptools.RegisterTools(s, mcptools.NewClient(dbloadURL))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
