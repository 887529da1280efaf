package alert

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

type mockClient struct {
	requests []*http.Request
	bodies   []string
	status   int
}

func (m *mockClient) Do(req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	m.requests = append(m.requests, req)
	m.bodies = append(m.bodies, string(body))

	status := m.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("ok")),
	}, nil
}

func TestSendPeerDownAlert(t *testing.T) {
	client := &mockClient{}
	manager := NewManagerWithClient(true, "https://hooks.slack.example/abc", client)

	if err := manager.SendPeerDownAlert("west", "http://10.0.0.2:7350", 3); err != nil {
		t.Fatalf("SendPeerDownAlert failed: %v", err)
	}

	if len(client.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(client.requests))
	}

	var msg map[string]interface{}
	if err := json.Unmarshal([]byte(client.bodies[0]), &msg); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if !strings.Contains(client.bodies[0], "west") {
		t.Error("alert payload should contain the server name")
	}
}

func TestDisabledManagerSendsNothing(t *testing.T) {
	client := &mockClient{}
	manager := NewManagerWithClient(false, "https://hooks.slack.example/abc", client)

	if err := manager.SendCatchupFailedAlert("west", "boom"); err != nil {
		t.Fatalf("disabled manager returned error: %v", err)
	}
	if len(client.requests) != 0 {
		t.Errorf("disabled manager sent %d requests", len(client.requests))
	}
}

func TestNon200IsAnError(t *testing.T) {
	client := &mockClient{status: http.StatusInternalServerError}
	manager := NewManagerWithClient(true, "https://hooks.slack.example/abc", client)

	if err := manager.SendSystemAlert("t", "m", "warning"); err == nil {
		t.Error("expected error for non-200 response")
	}
}
