package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newRunsCommand() *cobra.Command {
	var apiBase string

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Submit and manage automation runs via the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&apiBase, "api", "http://127.0.0.1:8081", "Base URL of the control-plane API")

	cmd.AddCommand(newRunsSubmitCommand(&apiBase))
	cmd.AddCommand(newRunsStatusCommand(&apiBase))
	cmd.AddCommand(newRunsApproveCommand(&apiBase))
	cmd.AddCommand(newRunsCancelCommand(&apiBase))
	return cmd
}

func newRunsSubmitCommand(apiBase *string) *cobra.Command {
	var (
		repository  string
		baseBranch  string
		featureKey  string
		instruction string
		priority    string
		planSteps   []string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a new run and dispatch it to the workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"repository":  repository,
				"base_branch": baseBranch,
				"feature_key": featureKey,
				"instruction": instruction,
			}
			if priority != "" {
				body["priority"] = priority
			}
			if len(planSteps) > 0 {
				body["plan_steps"] = planSteps
			}
			return callAPI(cmd.Context(), http.MethodPost, *apiBase+"/v1/runs", body)
		},
	}

	cmd.Flags().StringVar(&repository, "repository", "", "Git URL of the target repository")
	cmd.Flags().StringVar(&baseBranch, "base-branch", "main", "Branch the work starts from")
	cmd.Flags().StringVar(&featureKey, "feature-key", "", "Tracking key recorded on the run")
	cmd.Flags().StringVar(&instruction, "instruction", "", "Natural-language instruction for the agent")
	cmd.Flags().StringVar(&priority, "priority", "", "Run priority (normal or high)")
	cmd.Flags().StringSliceVar(&planSteps, "plan-steps", nil, "Operator plan steps (e.g. analyze,patch,verify,rollback)")
	_ = cmd.MarkFlagRequired("repository")
	_ = cmd.MarkFlagRequired("feature-key")
	_ = cmd.MarkFlagRequired("instruction")
	return cmd
}

func newRunsStatusCommand(apiBase *string) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current state of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAPI(cmd.Context(), http.MethodGet, *apiBase+"/v1/runs/"+runID, nil)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func newRunsApproveCommand(apiBase *string) *cobra.Command {
	var (
		runID string
		token string
	)

	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a paused run so workers resume it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAPI(cmd.Context(), http.MethodPost, *apiBase+"/v1/runs/"+runID+"/approve",
				map[string]any{"token": token})
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier")
	cmd.Flags().StringVar(&token, "token", "", "Approval token to record on the run")
	_ = cmd.MarkFlagRequired("run-id")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newRunsCancelCommand(apiBase *string) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a queued or paused run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAPI(cmd.Context(), http.MethodPost, *apiBase+"/v1/runs/"+runID+"/cancel", nil)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Run identifier")
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func callAPI(ctx context.Context, method, url string, body any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call api: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("api returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Fprintln(os.Stdout, strings.TrimSpace(string(data)))
		return nil
	}
	fmt.Fprintln(os.Stdout, pretty.String())
	return nil
}
