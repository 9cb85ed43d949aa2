package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"sieve/internal/config"
	"sieve/internal/store"
)

func newWorkspaceCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Manage tenant workspaces",
	}
	cmd.AddCommand(newWorkspaceListCommand(ctx))
	cmd.AddCommand(newWorkspaceCreateCommand(ctx))
	cmd.AddCommand(newWorkspaceDeleteCommand(ctx))
	return cmd
}

func newWorkspaceListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				workspaces, err := st.ListWorkspaces(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				rows := make([][]string, 0, len(workspaces))
				for _, ws := range workspaces {
					state := "active"
					if ws.DeletedAt != nil {
						state = "deleted"
					}
					rows = append(rows, []string{ws.ID, ws.Name, formatTime(ws.CreatedAt), colorStatus(out, state)})
				}
				printTable(out, []string{"ID", "Name", "Created", "State"}, rows, "")
				return nil
			})
		},
	}
}

func newWorkspaceCreateCommand(ctx *commandContext) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				ws, err := st.CreateWorkspace(cmd.Context(), id, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created workspace %s\n", ws.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	return cmd
}

func newWorkspaceDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a workspace and cancel its outstanding jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			return ctx.withStore(func(_ *config.Config, st *store.Store) error {
				cancelled, err := st.DeleteWorkspace(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted workspace %s (%d jobs cancelled)\n", id, cancelled)
				return nil
			})
		},
	}
}
