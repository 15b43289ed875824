package main

import (
	"log"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"marketplace-backend/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Expose the marketplace as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			rt, err := buildRuntime(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer rt.store.Close()

			mcpServer := mcp.NewMCPServer(rt.engine, rt.requester, rt.provider)

			log.Printf("Marketplace MCP server starting (driver=%s)", cfg.StoreDriver)
			return server.ServeStdio(mcpServer.GetMCPServer())
		},
	}
}
