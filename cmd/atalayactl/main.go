// Package main is the operator CLI for an atalaya daemon.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	version = "1.0.0"
	commit  = "dev"

	serverURL  string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "atalayactl",
	Short: "Control a running atalaya daemon",
	Long: `atalayactl talks to an atalaya daemon over its REST API.

Quick start:
  atalayactl workspace add /path/to/project   # Register a workspace
  atalayactl workspace connect <ws-id>        # Connect its agent backend
  atalayactl session start <ws-id> -p "..."   # Start a session
  atalayactl session events <session-id>      # Read the transcript
  atalayactl approval list                    # Pending approvals`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:8765", "Daemon base URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON responses")
}

// request performs one API call and decodes the response into out.
func request(method, path string, body, out interface{}) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if jsonOutput {
		printRaw(data)
		return nil
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

func printRaw(data []byte) {
	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
		return
	}
	fmt.Println(string(data))
}
