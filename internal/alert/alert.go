package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook string) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
	}
}

// SendPeerDownAlert fires once a peer has failed enough consecutive health
// probes to be marked unreachable.
func (m *Manager) SendPeerDownAlert(serverName, serverURL string, consecutiveFailures int) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	msg := slackMessage{
		Text: "⚠️ *SYNC PEER UNREACHABLE*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Peer Marked Unreachable",
				Fields: []slackField{
					{Title: "Server", Value: serverName, Short: true},
					{Title: "URL", Value: serverURL, Short: true},
					{Title: "Consecutive Probe Failures", Value: fmt.Sprintf("%d", consecutiveFailures), Short: true},
				},
				Footer: "driftsync health probe",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

// SendCatchupFailedAlert fires when a catch-up job exhausts its retries.
func (m *Manager) SendCatchupFailedAlert(serverName, detail string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	msg := slackMessage{
		Text: "⚠️ *CATCH-UP FAILED*",
		Attachments: []slackAttachment{
			{
				Color: "warning",
				Title: "Catch-up Job Failed",
				Fields: []slackField{
					{Title: "Server", Value: serverName, Short: true},
					{Title: "Detail", Value: detail, Short: false},
				},
				Footer: "driftsync catch-up scheduler",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendSystemAlert(title, message, severity string) error {
	if !m.enabled || m.slackWebhook == "" {
		return nil
	}

	color := "danger"
	if severity == "warning" {
		color = "warning"
	} else if severity == "good" {
		color = "good"
	}

	msg := slackMessage{
		Text: fmt.Sprintf("*SYSTEM ALERT: %s*", title),
		Attachments: []slackAttachment{
			{
				Color: color,
				Title: title,
				Fields: []slackField{
					{Title: "Message", Value: message, Short: false},
				},
				Footer: "driftsync",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) sendSlackMessage(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}

	return nil
}
