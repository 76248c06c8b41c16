package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/sevir/atalaya/pkg/models"
)

var workspaceRemoteURL string

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage workspaces",
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workspaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Workspaces []models.Workspace `json:"workspaces"`
		}
		if err := request(http.MethodGet, "/api/workspaces", nil, &resp); err != nil {
			return err
		}
		if jsonOutput {
			return nil
		}
		if len(resp.Workspaces) == 0 {
			fmt.Println("No workspaces registered")
			return nil
		}
		for _, ws := range resp.Workspaces {
			fmt.Printf("%s  %-12s  sessions=%d  %s\n", ws.ID, ws.ConnState, len(ws.Sessions), ws.Path)
		}
		return nil
	},
}

var workspaceAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Register a workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"path": args[0], "remote_url": workspaceRemoteURL}
		var resp struct {
			Workspace models.Workspace `json:"workspace"`
		}
		if err := request(http.MethodPost, "/api/workspaces", body, &resp); err != nil {
			return err
		}
		if jsonOutput {
			return nil
		}
		fmt.Printf("Workspace %s added (%s)\n", resp.Workspace.ID, resp.Workspace.Path)
		return nil
	},
}

var workspaceConnectCmd = &cobra.Command{
	Use:   "connect <workspace-id>",
	Short: "Connect a workspace's agent backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Workspace models.Workspace `json:"workspace"`
		}
		if err := request(http.MethodPost, "/api/workspaces/"+args[0]+"/connect", nil, &resp); err != nil {
			return err
		}
		if jsonOutput {
			return nil
		}
		fmt.Printf("Workspace %s is %s\n", resp.Workspace.ID, resp.Workspace.ConnState)
		return nil
	},
}

var workspaceRemoveCmd = &cobra.Command{
	Use:   "remove <workspace-id>",
	Short: "Remove a workspace and all its sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := request(http.MethodDelete, "/api/workspaces/"+args[0], nil, nil); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("Workspace %s removed\n", args[0])
		}
		return nil
	},
}

func init() {
	workspaceAddCmd.Flags().StringVar(&workspaceRemoteURL, "remote", "", "Backend base URL for this workspace (default: daemon's configured backend)")

	workspaceCmd.AddCommand(workspaceListCmd, workspaceAddCmd, workspaceConnectCmd, workspaceRemoveCmd)
	rootCmd.AddCommand(workspaceCmd)
}
