package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/hochfrequenz/ftrun/internal/domain"
)

// SlackNotifier posts run results to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// SlackMessage is the webhook payload.
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment carries the run details under the headline.
type SlackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
	Footer string       `json:"footer,omitempty"`
	TS     int64        `json:"ts,omitempty"`
}

// SlackField is one key/value cell of an attachment.
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a notifier for webhookURL.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// SlackColor returns the Slack color for a notification type
func SlackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// Message builds the payload for n. Runs get one field per recorded
// property; the error is left to the attachment text.
func (s *SlackNotifier) Message(n Notification) SlackMessage {
	att := SlackAttachment{
		Color:  SlackColor(n.Type),
		Text:   n.Message,
		Footer: "ftrun",
	}
	if run := n.Run; run != nil {
		now := s.now()
		if run.ID != "" {
			att.Title = "run " + run.ID
		}
		att.Fields = runFields(run, now)
		att.TS = now.Unix()
		if run.FinishedAt != nil {
			att.TS = run.FinishedAt.Unix()
		}
	}
	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{att}}
}

func runFields(run *domain.Run, now time.Time) []SlackField {
	fields := []SlackField{
		{Title: "Mode", Value: string(run.Mode), Short: true},
		{Title: "Status", Value: string(run.Status), Short: true},
	}
	if run.BaseModel != "" {
		fields = append(fields, SlackField{Title: "Base model", Value: run.BaseModel, Short: true})
	}
	fields = append(fields, SlackField{Title: "Rank", Value: strconv.Itoa(run.Rank), Short: true})
	if !run.StartedAt.IsZero() {
		fields = append(fields, SlackField{Title: "Duration", Value: run.Duration(now).Round(time.Second).String(), Short: true})
	}
	if run.OutputDir != "" {
		fields = append(fields, SlackField{Title: "Output", Value: run.OutputDir})
	}
	if run.LastCheckpoint != "" {
		fields = append(fields, SlackField{Title: "Last checkpoint", Value: run.LastCheckpoint})
	}
	if run.ConfigPath != "" {
		fields = append(fields, SlackField{Title: "Config", Value: run.ConfigPath})
	}
	return fields
}

// Send posts n to the webhook. An empty webhook URL disables it.
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(s.Message(n))
	if err != nil {
		return err
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}
