package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/sevir/atalaya/pkg/models"
)

var (
	sessionKind     string
	sessionTitle    string
	sessionModel    string
	sessionThinking string
	sessionPrompt   string
	eventsSince     int64
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage agent sessions",
}

var sessionStartCmd = &cobra.Command{
	Use:   "start <workspace-id>",
	Short: "Start a session in a workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := models.StartRequest{
			Kind:     models.SessionKind(sessionKind),
			Title:    sessionTitle,
			Model:    sessionModel,
			Thinking: sessionThinking,
			Prompt:   sessionPrompt,
		}
		var resp struct {
			Session models.Session `json:"session"`
		}
		if err := request(http.MethodPost, "/api/workspaces/"+args[0]+"/sessions", body, &resp); err != nil {
			return err
		}
		if jsonOutput {
			return nil
		}
		fmt.Printf("Session %s started (%s, model %s)\n", resp.Session.ID, resp.Session.Kind, resp.Session.Model)
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list <workspace-id>",
	Short: "List a workspace's sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Sessions []models.SessionSummary `json:"sessions"`
		}
		if err := request(http.MethodGet, "/api/workspaces/"+args[0]+"/sessions", nil, &resp); err != nil {
			return err
		}
		if jsonOutput {
			return nil
		}
		if len(resp.Sessions) == 0 {
			fmt.Println("No sessions")
			return nil
		}
		for _, s := range resp.Sessions {
			fmt.Printf("%s  %-18s  %-6s  %s\n", s.ID, s.Status, s.Kind, s.Title)
		}
		return nil
	},
}

var sessionEventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "Print a session's transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/api/sessions/" + args[0] + "/events?since=" + strconv.FormatInt(eventsSince, 10)
		var resp struct {
			Events []models.Event `json:"events"`
		}
		if err := request(http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		if jsonOutput {
			return nil
		}
		for _, ev := range resp.Events {
			switch ev.Kind {
			case models.PayloadApproval:
				fmt.Printf("%4d [%s] approval requested: %s %s\n", ev.Seq, ev.Role, ev.Tool, ev.Detail)
			case models.PayloadToolCall:
				fmt.Printf("%4d [%s] tool: %s %s\n", ev.Seq, ev.Role, ev.Tool, ev.Detail)
			case models.PayloadDiff:
				fmt.Printf("%4d [%s] diff: %s\n", ev.Seq, ev.Role, ev.DiffPath)
			default:
				fmt.Printf("%4d [%s] %s\n", ev.Seq, ev.Role, ev.Text)
			}
		}
		return nil
	},
}

var sessionSendCmd = &cobra.Command{
	Use:   "send <session-id> <text>",
	Short: "Send a message into a running session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"text": args[1]}
		if err := request(http.MethodPost, "/api/sessions/"+args[0]+"/message", body, nil); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Println("Message sent")
		}
		return nil
	},
}

var sessionAbortCmd = &cobra.Command{
	Use:   "abort <session-id>",
	Short: "Abort a running session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Session models.Session `json:"session"`
		}
		if err := request(http.MethodPost, "/api/sessions/"+args[0]+"/abort", nil, &resp); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("Session %s is %s\n", resp.Session.ID, resp.Session.Status)
		}
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a finished session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := request(http.MethodDelete, "/api/sessions/"+args[0], nil, nil); err != nil {
			return err
		}
		if !jsonOutput {
			fmt.Printf("Session %s deleted\n", args[0])
		}
		return nil
	},
}

func init() {
	sessionStartCmd.Flags().StringVarP(&sessionKind, "kind", "k", "remote", "Session kind (remote|local)")
	sessionStartCmd.Flags().StringVarP(&sessionTitle, "title", "t", "", "Session title")
	sessionStartCmd.Flags().StringVarP(&sessionModel, "model", "m", "", "Model ID (default: workspace's last used model)")
	sessionStartCmd.Flags().StringVar(&sessionThinking, "thinking", "", "Thinking level for local sessions")
	sessionStartCmd.Flags().StringVarP(&sessionPrompt, "prompt", "p", "", "Initial prompt")
	sessionEventsCmd.Flags().Int64Var(&eventsSince, "since", 0, "Only events after this sequence number")

	sessionCmd.AddCommand(sessionStartCmd, sessionListCmd, sessionEventsCmd, sessionSendCmd, sessionAbortCmd, sessionDeleteCmd)
	rootCmd.AddCommand(sessionCmd)
}
