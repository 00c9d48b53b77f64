package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/johndauphine/forum-converter/internal/config"
)

const footer = "forum-converter"

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// RunStarted sends notification when a conversion starts
func (n *Notifier) RunStarted(runID, converter string, stepCount int) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(n.message(":rocket:", "", SlackAttachment{
		Color: "#36a64f",
		Title: "Conversion Started",
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Converter", Value: converter, Short: true},
			{Title: "Steps", Value: fmt.Sprintf("%d", stepCount), Short: true},
		},
	}))
}

// RunCompleted sends notification when every step finished. Item errors
// turn the message yellow but do not make the run a failure.
func (n *Notifier) RunCompleted(runID, converter string, startTime time.Time, duration time.Duration, s Summary) error {
	if !n.IsEnabled() {
		return nil
	}

	color, icon := "#36a64f", ":white_check_mark:"
	if s.Errors > 0 {
		color, icon = "#ffc107", ":warning:"
	}
	text := fmt.Sprintf("%s finished %d steps and processed %s items.",
		converter, s.Steps, humanize.Comma(s.Items))

	return n.send(n.message(icon, text, SlackAttachment{
		Color: color,
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
			{Title: "Duration", Value: formatDuration(duration), Short: true},
			{Title: "Items", Value: humanize.Comma(s.Items), Short: true},
			{Title: "Warnings", Value: humanize.Comma(s.Warnings), Short: true},
			{Title: "Errors", Value: humanize.Comma(s.Errors), Short: true},
		},
	}))
}

// RunFailed sends notification when a step-level error ended the run
func (n *Notifier) RunFailed(runID, converter string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(n.message(":x:", "", SlackAttachment{
		Color: "#dc3545",
		Title: "Conversion Failed",
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Converter", Value: converter, Short: true},
			{Title: "Duration", Value: formatDuration(duration), Short: true},
			{Title: "Error", Value: errorText(err), Short: false},
		},
	}))
}

// RunAborted sends notification when the run was interrupted
func (n *Notifier) RunAborted(runID, converter string, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(n.message(":octagonal_sign:", "", SlackAttachment{
		Color: "#6c757d",
		Title: "Conversion Aborted",
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Converter", Value: converter, Short: true},
			{Title: "Duration", Value: formatDuration(duration), Short: true},
		},
	}))
}

// StepFailed sends notification for a failed step
func (n *Notifier) StepFailed(runID, stepName string, err error) error {
	if !n.IsEnabled() {
		return nil
	}
	return n.send(n.message(":warning:", "", SlackAttachment{
		Color: "#ffc107",
		Title: "Step Failed",
		Fields: []SlackField{
			{Title: "Run ID", Value: runID, Short: true},
			{Title: "Step", Value: stepName, Short: true},
			{Title: "Error", Value: errorText(err), Short: false},
		},
	}))
}

func (n *Notifier) message(icon, text string, a SlackAttachment) SlackMessage {
	a.Footer = footer
	a.Timestamp = time.Now().Unix()
	return SlackMessage{
		Channel:     n.config.Channel,
		Username:    n.getUsername(),
		IconEmoji:   icon,
		Text:        text,
		Attachments: []SlackAttachment{a},
	}
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return footer
}

func errorText(err error) string {
	if err == nil {
		return "Unknown error"
	}
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500] + "..."
	}
	return msg
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
