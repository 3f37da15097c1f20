package notify

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

type Operation string

const (
	OperationBackup  Operation = "backup"
	OperationRestore Operation = "restore"
)

// RunSummary describes one backup or restore of a single database.
type RunSummary struct {
	RunID          string
	Operation      Operation
	DatabaseType   string
	DatabaseName   string
	Tables         []string
	BackupKey      string
	BackupSize     int64
	Archive        string
	Encrypted      bool
	Statements     int
	Rows           int64
	Duration       time.Duration
	Success        bool
	Error          error
	DeletedBackups int
}

func (s *RunSummary) tableList() string {
	if len(s.Tables) == 0 {
		return "all"
	}
	return strings.Join(s.Tables, ", ")
}

func WriteGitHubSummary(summary *RunSummary) error {
	summaryFile := os.Getenv("GITHUB_STEP_SUMMARY")
	if summaryFile == "" {
		return nil // Not running in GitHub Actions
	}

	content := buildSummaryMarkdown(summary)

	f, err := os.OpenFile(summaryFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open summary file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}

	return nil
}

func buildSummaryMarkdown(summary *RunSummary) string {
	var sb strings.Builder

	if summary.Operation == OperationRestore {
		sb.WriteString("## Database Restore Summary\n\n")
	} else {
		sb.WriteString("## Database Backup Summary\n\n")
	}

	if summary.Success {
		sb.WriteString("**Status:** :white_check_mark: Success\n\n")
	} else {
		sb.WriteString("**Status:** :x: Failed\n\n")
	}

	sb.WriteString("| Property | Value |\n")
	sb.WriteString("|----------|-------|\n")
	sb.WriteString(fmt.Sprintf("| Database Type | %s |\n", summary.DatabaseType))
	sb.WriteString(fmt.Sprintf("| Database Name | %s |\n", summary.DatabaseName))
	sb.WriteString(fmt.Sprintf("| Tables | %s |\n", summary.tableList()))

	if summary.Success {
		if summary.BackupKey != "" {
			sb.WriteString(fmt.Sprintf("| Backup Key | `%s` |\n", summary.BackupKey))
		}
		if summary.BackupSize > 0 {
			sb.WriteString(fmt.Sprintf("| Backup Size | %s |\n", formatBytes(summary.BackupSize)))
		}
		if summary.Operation == OperationRestore {
			sb.WriteString(fmt.Sprintf("| Statements Replayed | %s |\n", humanize.Comma(int64(summary.Statements))))
		} else {
			sb.WriteString(fmt.Sprintf("| Rows Dumped | %s |\n", humanize.Comma(summary.Rows)))
			sb.WriteString(fmt.Sprintf("| Archive | %s |\n", archiveLabel(summary.Archive)))
			sb.WriteString(fmt.Sprintf("| Encrypted | %s |\n", boolToEmoji(summary.Encrypted)))
		}
		sb.WriteString(fmt.Sprintf("| Duration | %s |\n", summary.Duration.Round(time.Millisecond)))

		if summary.DeletedBackups > 0 {
			sb.WriteString(fmt.Sprintf("| Old Backups Deleted | %d |\n", summary.DeletedBackups))
		}
	} else if summary.Error != nil {
		sb.WriteString(fmt.Sprintf("| Error | %s |\n", strings.ReplaceAll(summary.Error.Error(), "|", "\\|")))
	}

	sb.WriteString("\n")

	return sb.String()
}

func formatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

func archiveLabel(format string) string {
	if format == "" || format == "none" {
		return ":x:"
	}
	return format
}

func boolToEmoji(b bool) string {
	if b {
		return ":white_check_mark:"
	}
	return ":x:"
}

func SetGitHubOutput(name, value string) error {
	outputFile := os.Getenv("GITHUB_OUTPUT")
	if outputFile == "" {
		return nil
	}

	f, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s=%s\n", name, value); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	return nil
}
