package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"open /var/log/mcf/record.bin: permission denied", "open [PATH]: permission denied"},
		{"no reply from ws://10.0.0.2:5560/mcf", "no reply from [URL]"},
		{"dial nats://broker.local:4222 refused", "dial [URL] refused"},
		{"request to https://api.example.com/v1 failed", "request to [URL] failed"},
		{"peer 192.168.1.100 unreachable", "peer [IP] unreachable"},
		{"bind to :5561 failed", "bind to [PORT] failed"},
		{"auth failed with token=abc123", "auth failed with [REDACTED]"},
		{"connect ws://192.168.1.1:8080/x with password:hunter2", "connect [URL] with [REDACTED]"},
		{"queue full", "queue full"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeErrorMessage(tt.in))
		})
	}
}

func TestWithSubStatus_DoesNotShareSlice(t *testing.T) {
	parent := NewHealthy("parent", "")
	parent.SubStatuses = []Status{NewHealthy("child1", "")}

	modified := parent.WithSubStatus(NewUnhealthy("child2", ""))
	assert.Len(t, parent.SubStatuses, 1)
	assert.Len(t, modified.SubStatuses, 2)

	parent.SubStatuses[0].Status = StateDegraded
	assert.Equal(t, StateHealthy, modified.SubStatuses[0].Status)
}
