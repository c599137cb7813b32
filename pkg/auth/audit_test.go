package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/platinummonkey/agentgate/pkg/contextkeys"
	"github.com/platinummonkey/agentgate/pkg/observability"
)

func TestAuditLogger_LogAction(t *testing.T) {
	tests := []struct {
		name    string
		event   *AuditEvent
		wantErr bool
	}{
		{"valid", &AuditEvent{Action: ActionKeyIssue, Status: StatusSuccess, AgentID: "a1", Prefix: "ag_abcde"}, false},
		{"missing action", &AuditEvent{Status: StatusSuccess}, true},
		{"missing status", &AuditEvent{Action: ActionKeyRevoke}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			al := NewAuditLogger(observability.NewLogger(observability.DebugLevel, &buf))
			err := al.LogAction(context.Background(), tt.event)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LogAction() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if buf.Len() != 0 {
					t.Error("invalid events must not be written")
				}
				return
			}
			var entry map[string]interface{}
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("log output is not JSON: %v", err)
			}
			if entry["audit"] != true || entry["action"] != ActionKeyIssue || entry["prefix"] != "ag_abcde" {
				t.Errorf("unexpected entry: %v", entry)
			}
			if tt.event.CreatedAt.IsZero() {
				t.Error("CreatedAt should be set")
			}
		})
	}
}

func TestAuditLogger_LogFromRequest(t *testing.T) {
	var buf bytes.Buffer
	al := NewAuditLogger(observability.NewLogger(observability.DebugLevel, &buf))

	req := httptest.NewRequest("POST", "/api/v1/claims", nil)
	req = req.WithContext(contextkeys.WithClientIP(req.Context(), "203.0.113.7"))
	req.Header.Set("User-Agent", "agent-sdk/1.0")

	ev := &AuditEvent{Action: ActionClaimTokenRedeem, Status: StatusFailure}
	if err := al.LogFromRequest(req, ev, ErrClaimTokenUsed); err != nil {
		t.Fatalf("LogFromRequest() error = %v", err)
	}
	if ev.IPAddress != "203.0.113.7" {
		t.Errorf("IPAddress = %q", ev.IPAddress)
	}
	if ev.ErrorCode != CodeClaimTokenUsed {
		t.Errorf("ErrorCode = %q", ev.ErrorCode)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["level"] != "warning" {
		t.Errorf("failures should log at warning, got %v", entry["level"])
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:4444"
	if got := clientIP(req); got != "192.0.2.1" {
		t.Errorf("clientIP() = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "198.51.100.2")
	if got := clientIP(req); got != "192.0.2.1" {
		t.Errorf("clientIP() = %q, forwarding headers must not be read directly", got)
	}
	req = req.WithContext(contextkeys.WithClientIP(req.Context(), "198.51.100.2"))
	if got := clientIP(req); got != "198.51.100.2" {
		t.Errorf("clientIP() = %q", got)
	}
}
