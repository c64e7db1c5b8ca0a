package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// apiClient is a thin client for the daemon's task API, used by the
// inspection and injection subcommands.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *apiClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *apiClient) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *apiClient) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func buildSessionsCmd() *cobra.Command {
	var apiURL string

	cmd := &cobra.Command{
		Use:   "sessions [key]",
		Short: "List live sessions, or show one in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(apiURL)

			var out any
			path := "/sessions"
			if len(args) == 1 {
				path = "/sessions/" + url.PathEscape(args[0])
			}
			if err := client.getJSON(cmd.Context(), path, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&apiURL, "api", "http://127.0.0.1:8787", "Task API base URL")
	return cmd
}

func buildInjectCmd() *cobra.Command {
	var (
		apiURL       string
		platform     string
		conversation string
		thread       string
		taskName     string
		workdir      string
	)

	cmd := &cobra.Command{
		Use:   "inject [prompt]",
		Short: "Inject a prompt into a conversation's session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(apiURL)

			var out any
			err := client.postJSON(cmd.Context(), "/inject", map[string]string{
				"platform":        platform,
				"conversation_id": conversation,
				"thread_id":       thread,
				"prompt":          args[0],
				"task_name":       taskName,
				"workdir":         workdir,
			}, &out)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&apiURL, "api", "http://127.0.0.1:8787", "Task API base URL")
	cmd.Flags().StringVar(&platform, "platform", "telegram", "Target platform")
	cmd.Flags().StringVar(&conversation, "conversation", "", "Conversation ID (required)")
	cmd.Flags().StringVar(&thread, "thread", "", "Sub-thread ID")
	cmd.Flags().StringVar(&taskName, "task", "", "Task name for bookkeeping")
	cmd.Flags().StringVar(&workdir, "workdir", "", "Agent working directory for a new session")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

func buildInputCmd() *cobra.Command {
	var (
		apiURL    string
		requestID string
	)

	cmd := &cobra.Command{
		Use:   "input [session-key] [answer]",
		Short: "Answer a session's pending input request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(apiURL)

			var out any
			path := "/sessions/" + url.PathEscape(args[0]) + "/input"
			err := client.postJSON(cmd.Context(), path, map[string]string{
				"request_id": requestID,
				"answer":     args[1],
			}, &out)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&apiURL, "api", "http://127.0.0.1:8787", "Task API base URL")
	cmd.Flags().StringVar(&requestID, "request", "", "Input request ID (required)")
	_ = cmd.MarkFlagRequired("request")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
