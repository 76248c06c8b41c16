package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/sevir/atalaya/pkg/models"
)

var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "Review and decide pending agent actions",
}

var approvalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approval requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Approvals []models.ApprovalRequest `json:"approvals"`
		}
		if err := request(http.MethodGet, "/api/approvals", nil, &resp); err != nil {
			return err
		}
		if jsonOutput {
			return nil
		}
		if len(resp.Approvals) == 0 {
			fmt.Println("No pending approvals")
			return nil
		}
		for _, a := range resp.Approvals {
			fmt.Printf("%s  session=%s  %s %s\n", a.ID, a.SessionID, a.Tool, a.Detail)
		}
		return nil
	},
}

var approvalApproveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return decide(args[0], models.DecisionApproved) },
}

var approvalDenyCmd = &cobra.Command{
	Use:   "deny <request-id>",
	Short: "Deny a pending request",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return decide(args[0], models.DecisionDenied) },
}

func decide(requestID string, decision models.Decision) error {
	body := models.DecisionRequest{Decision: decision}
	if err := request(http.MethodPost, "/api/approvals/"+requestID+"/decision", body, nil); err != nil {
		return err
	}
	if !jsonOutput {
		fmt.Printf("Request %s %s\n", requestID, decision)
	}
	return nil
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show the daemon's recent log lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Lines []struct {
				Timestamp string `json:"timestamp"`
				Text      string `json:"text"`
			} `json:"lines"`
		}
		if err := request(http.MethodGet, "/api/debug/log", nil, &resp); err != nil {
			return err
		}
		if jsonOutput {
			return nil
		}
		for _, line := range resp.Lines {
			fmt.Println(line.Text)
		}
		return nil
	},
}

func init() {
	approvalCmd.AddCommand(approvalListCmd, approvalApproveCmd, approvalDenyCmd)
	rootCmd.AddCommand(approvalCmd, logCmd)
}
