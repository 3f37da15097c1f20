package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	apperrors "github.com/jorgepascosoto/sqlscript-backups/internal/errors"
)

type WebhookPayload struct {
	RunID         string    `json:"run_id"`
	Operation     string    `json:"operation"`
	Status        string    `json:"status"`
	DatabaseType  string    `json:"database_type"`
	DatabaseName  string    `json:"database_name"`
	Tables        []string  `json:"tables,omitempty"`
	BackupKey     string    `json:"backup_key,omitempty"`
	BackupSize    int64     `json:"backup_size,omitempty"`
	Archive       string    `json:"archive,omitempty"`
	Encrypted     bool      `json:"encrypted"`
	Statements    int       `json:"statements,omitempty"`
	Rows          int64     `json:"rows,omitempty"`
	Duration      string    `json:"duration"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Repository    string    `json:"repository,omitempty"`
	WorkflowRunID string    `json:"workflow_run_id,omitempty"`
	RunURL        string    `json:"run_url,omitempty"`
}

type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, summary *RunSummary) error {
	if n.url == "" {
		return nil
	}

	body, err := json.Marshal(buildWebhookPayload(summary))
	if err != nil {
		return apperrors.NewNotificationError("webhook", fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return apperrors.NewNotificationError("webhook", fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sqlscript-backups/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return apperrors.NewNotificationError("webhook", fmt.Errorf("failed to send webhook: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.NewNotificationError("webhook", fmt.Errorf("webhook returned non-success status: %d", resp.StatusCode))
	}

	return nil
}

func buildWebhookPayload(summary *RunSummary) *WebhookPayload {
	payload := &WebhookPayload{
		RunID:        summary.RunID,
		Operation:    string(summary.Operation),
		DatabaseType: summary.DatabaseType,
		DatabaseName: summary.DatabaseName,
		Tables:       summary.Tables,
		Archive:      summary.Archive,
		Encrypted:    summary.Encrypted,
		Duration:     summary.Duration.String(),
		Timestamp:    time.Now().UTC(),
	}

	if summary.Success {
		payload.Status = "success"
		payload.BackupKey = summary.BackupKey
		payload.BackupSize = summary.BackupSize
		payload.Statements = summary.Statements
		payload.Rows = summary.Rows
	} else {
		payload.Status = "failure"
		if summary.Error != nil {
			payload.Error = summary.Error.Error()
		}
	}

	// Add GitHub context if available
	if repo := os.Getenv("GITHUB_REPOSITORY"); repo != "" {
		payload.Repository = repo
	}
	if runID := os.Getenv("GITHUB_RUN_ID"); runID != "" {
		payload.WorkflowRunID = runID
		if serverURL := os.Getenv("GITHUB_SERVER_URL"); serverURL != "" && payload.Repository != "" {
			payload.RunURL = fmt.Sprintf("%s/%s/actions/runs/%s", serverURL, payload.Repository, runID)
		}
	}

	return payload
}
