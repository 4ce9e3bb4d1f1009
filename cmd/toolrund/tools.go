package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxgate/toolrun/pkg/models"
)

// buildToolsCmd creates the "tools" command group for talking to a
// running server's /v1/tools endpoint.
func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect tools registered with a running server",
	}
	cmd.AddCommand(buildToolsListCmd())
	return cmd
}

func buildToolsListCmd() *cobra.Command {
	var (
		addr   string
		userID string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered tools and their capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd, addr, userID)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "Base URL of a running toolrund server")
	cmd.Flags().StringVar(&userID, "user", "", "Scope the listing to tools granted to this user")
	return cmd
}

func runToolsList(cmd *cobra.Command, addr, userID string) error {
	path := "/v1/tools"
	if userID != "" {
		path += "?user_id=" + userID
	}

	var resp struct {
		Tools []models.ToolMetadata `json:"tools"`
	}
	if err := getJSON(cmd.Context(), addr, path, &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Tools) == 0 {
		fmt.Fprintln(out, "no tools registered")
		return nil
	}

	for _, tool := range resp.Tools {
		fmt.Fprintf(out, "%s (v%s)\n", tool.Name, tool.Version)
		if tool.Description != "" {
			fmt.Fprintf(out, "  %s\n", tool.Description)
		}
		for _, cap := range tool.Capabilities {
			fmt.Fprintf(out, "  - %s\n", cap.Name)
		}
	}
	return nil
}

func getJSON(ctx context.Context, baseURL, path string, out any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("request %s failed: %s (%s)", path, resp.Status, strings.TrimSpace(string(body)))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
