package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/memstore-dev/memstore/internal/config"
	"github.com/memstore-dev/memstore/internal/mcpboundary"
)

func mcpCmd() *cobra.Command {
	var withUser bool
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the MCP server on stdio, exposing recall/capture/status as tools",
		Long: `Starts a Model Context Protocol server on stdio so a coding agent can
call memstore as tools instead of shelling out to the CLI. Always serves
the project-domain store; pass --with-user to also expose the user-domain
store for domain=user/both recall_memory calls.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(withUser)
		},
	}
	cmd.Flags().BoolVar(&withUser, "with-user", false, "Also expose the user-domain memory store")
	return cmd
}

func runMCP(withUser bool) error {
	mcpboundary.Version = Version

	projectStack, err := openStack(config.DomainProject)
	if err != nil {
		return err
	}
	defer projectStack.Close()

	project := &mcpboundary.Stack{
		Capture: projectStack.capture,
		Recall:  projectStack.recall,
		Index:   projectStack.idx,
		Domain:  projectStack.domain,
	}

	var user *mcpboundary.Stack
	if withUser {
		userStack, err := openStack(config.DomainUser)
		if err != nil {
			return err
		}
		defer userStack.Close()
		user = &mcpboundary.Stack{
			Capture: userStack.capture,
			Recall:  userStack.recall,
			Index:   userStack.idx,
			Domain:  userStack.domain,
		}
	}

	return mcpboundary.Serve(context.Background(), project, user)
}
