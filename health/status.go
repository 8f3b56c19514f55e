// Package health derives health statuses from module state and aggregates
// them for the application health endpoint.
package health

import (
	"regexp"
	"strings"
	"time"

	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/errors"
)

// Status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

var (
	urlRegex        = regexp.MustCompile(`(https?|nats|wss?)://[^\s]+`)
	unixPathRegex   = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health state of a module or the whole application
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics summarizes a module's counters
type Metrics struct {
	State      string `json:"state"`
	RunNumber  uint64 `json:"run_number"`
	Pipelines  int    `json:"pipelines"`
	ErrorCount uint64 `json:"error_count"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StatusHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StatusDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StatusUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus adds a sub-status and returns a copy
func (s Status) WithSubStatus(subStatus Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, subStatus)
	return s
}

// sanitizeErrorMessage strips URLs, paths, addresses and credentials from
// messages served over HTTP.
func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = unixPathRegex.ReplaceAllString(msg, "[PATH]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "secret") || strings.Contains(lower, "credential") {
		msg = credentialRegex.ReplaceAllString(msg, "[REDACTED]")
	}
	return msg
}

// FromModule derives a module's health from its info and the error of its
// last command, if any. A failed command makes the module unhealthy; a module
// that never initialized is degraded.
func FromModule(info component.Info, lastErr error) Status {
	var status Status
	switch {
	case lastErr != nil:
		status = NewUnhealthy(info.Module, errors.Kind(lastErr)+": "+sanitizeErrorMessage(lastErr.Error()))
	case info.State == component.StateUninitialized.String():
		status = NewDegraded(info.Module, "Module not initialized")
	default:
		status = NewHealthy(info.Module, "Module "+info.State)
	}

	return status.WithMetrics(&Metrics{
		State:      info.State,
		RunNumber:  info.RunNumber,
		Pipelines:  len(info.Pipelines),
		ErrorCount: errorCount(info),
	})
}

// errorCount sums every pipeline counter whose key ends in "errors"
func errorCount(info component.Info) uint64 {
	var total uint64
	for _, p := range info.Pipelines {
		for key, v := range p.Stats {
			if !strings.HasSuffix(key, "errors") {
				continue
			}
			switch n := v.(type) {
			case uint64:
				total += n
			case int64:
				if n > 0 {
					total += uint64(n)
				}
			case int:
				if n > 0 {
					total += uint64(n)
				}
			}
		}
	}
	return total
}

// FromNATS reports the NATS connection. Without a client the application
// runs in-process only and NATS is not reported.
func FromNATS(connected bool, status string) Status {
	if connected {
		return NewHealthy("nats", "Connected")
	}
	return NewUnhealthy("nats", "Connection "+status)
}
