package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/jorgepascosoto/sqlscript-backups/internal/errors"
)

// EmailConfig holds the SMTP settings used to mail a finished artifact.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends the run summary to a recipient with the artifact
// attached.
type EmailNotifier struct {
	config   EmailConfig
	sendMail sendMailFunc
	now      func() time.Time
}

func NewEmailNotifier(config EmailConfig) *EmailNotifier {
	return &EmailNotifier{
		config:   config,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
}

func (n *EmailNotifier) Enabled() bool {
	return n.config.Host != "" && len(n.config.To) > 0
}

// Send mails the summary. attachment may be empty for failure reports.
func (n *EmailNotifier) Send(ctx context.Context, summary *RunSummary, attachment string) error {
	if !n.Enabled() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return apperrors.NewNotificationError("email", err)
	}

	msg, err := n.buildMessage(summary, attachment)
	if err != nil {
		return apperrors.NewNotificationError("email", err)
	}

	var auth smtp.Auth
	if n.config.Username != "" {
		auth = smtp.PlainAuth("", n.config.Username, n.config.Password, n.config.Host)
	}

	addr := net.JoinHostPort(n.config.Host, strconv.Itoa(n.config.Port))
	if err := n.sendMail(addr, auth, n.from(), n.config.To, msg); err != nil {
		return apperrors.NewNotificationError("email", fmt.Errorf("failed to send email: %w", err))
	}

	return nil
}

func (n *EmailNotifier) from() string {
	if n.config.From != "" {
		return n.config.From
	}
	return n.config.Username
}

func (n *EmailNotifier) subject(summary *RunSummary) string {
	status := "succeeded"
	if !summary.Success {
		status = "failed"
	}
	return fmt.Sprintf("Database %s %s: %s", summary.Operation, status, summary.DatabaseName)
}

func (n *EmailNotifier) buildMessage(summary *RunSummary, attachment string) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	headers := []string{
		"From: " + n.from(),
		"To: " + strings.Join(n.config.To, ", "),
		"Subject: " + mime.QEncoding.Encode("utf-8", n.subject(summary)),
		"Date: " + n.now().UTC().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q", mw.Boundary()),
	}
	buf.WriteString(strings.Join(headers, "\r\n") + "\r\n\r\n")

	body, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=utf-8"},
		"Content-Transfer-Encoding": {"8bit"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := body.Write([]byte(buildEmailBody(summary))); err != nil {
		return nil, err
	}

	if attachment != "" {
		data, err := os.ReadFile(attachment)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment: %w", err)
		}

		name := filepath.Base(attachment)
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"application/octet-stream"},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": name})},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64Lines(part, data); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBase64Lines wraps encoded output at 76 characters per RFC 2045.
func writeBase64Lines(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		if _, err := fmt.Fprintf(w, "%s\r\n", encoded[:76]); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err := fmt.Fprintf(w, "%s\r\n", encoded)
	return err
}

func buildEmailBody(summary *RunSummary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Operation: %s\r\n", summary.Operation)
	fmt.Fprintf(&sb, "Database: %s (%s)\r\n", summary.DatabaseName, summary.DatabaseType)
	fmt.Fprintf(&sb, "Tables: %s\r\n", summary.tableList())
	if summary.RunID != "" {
		fmt.Fprintf(&sb, "Run: %s\r\n", summary.RunID)
	}
	if summary.Success {
		if summary.BackupSize > 0 {
			fmt.Fprintf(&sb, "Size: %s\r\n", formatBytes(summary.BackupSize))
		}
		fmt.Fprintf(&sb, "Duration: %s\r\n", summary.Duration.Round(time.Millisecond))
	} else if summary.Error != nil {
		fmt.Fprintf(&sb, "Error: %s\r\n", summary.Error)
	}
	return sb.String()
}
