// Package health reports the health of components, remote links and the
// recorder
package health

import (
	"regexp"
	"strings"
	"time"
)

// Health states
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?)://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of one part of the process
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Details     any       `json:"details,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool { return s.Status == StateHealthy }

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool { return s.Status == StateDegraded }

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

// WithDetails returns a copy of the status carrying details
func (s Status) WithDetails(details any) Status {
	s.Details = details
	return s
}

// WithSubStatus adds a sub-status and returns a copy
func (s Status) WithSubStatus(sub Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, sub)
	return s
}

// sanitizeErrorMessage strips URLs, paths, addresses and credentials from
// error texts before they are served
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	// URLs before paths, as they contain paths
	s := urlRegex.ReplaceAllString(err, "[URL]")
	s = unixPathRegex.ReplaceAllString(s, "[PATH]")
	s = ipAddrRegex.ReplaceAllString(s, "[IP]")
	s = portRegex.ReplaceAllString(s, "[PORT]")

	lower := strings.ToLower(s)
	for _, word := range []string{"password", "token", "key", "secret", "credential"} {
		if strings.Contains(lower, word) {
			s = credentialRegex.ReplaceAllString(s, "[REDACTED]")
			break
		}
	}
	return s
}
