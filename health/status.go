// Package health reports the health of realtime channels and the components of the
// coherency layer, and rolls them up into one connection health value.
package health

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

// Pre-compiled patterns for scrubbing error messages before they are exposed on /status.
var (
	httpURLRegex    = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex    = regexp.MustCompile(`nats://[^\s]+`)
	wsURLRegex      = regexp.MustCompile(`wss?://[^\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|apikey|api_key|secret)[^a-zA-Z]*[:=][^,\s}&]+`)
)

// Level is the health level of a component.
type Level string

const (
	Healthy   Level = "healthy"
	Degraded  Level = "degraded"
	Unhealthy Level = "unhealthy"
)

func (l Level) rank() int {
	switch l {
	case Healthy:
		return 0
	case Degraded:
		return 1
	default:
		return 2
	}
}

// Status is the health of one component or an aggregate of several.
type Status struct {
	Component   string    `json:"component"`
	Level       Level     `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool { return s.Level == Healthy }

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool { return s.Level == Degraded }

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool { return s.Level == Unhealthy }

func newStatus(component string, level Level, message string) Status {
	return Status{Component: component, Level: level, Message: message, Timestamp: time.Now()}
}

// NewHealthy creates a healthy status.
func NewHealthy(component, message string) Status {
	return newStatus(component, Healthy, message)
}

// NewDegraded creates a degraded status.
func NewDegraded(component, message string) Status {
	return newStatus(component, Degraded, message)
}

// NewUnhealthy creates an unhealthy status. The message is sanitized.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, Unhealthy, Sanitize(message))
}

// Aggregate rolls sub-statuses up into one status: unhealthy if any sub-status is
// unhealthy, degraded if any is degraded, healthy otherwise. Sub-statuses are sorted
// by component name.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "nothing to report")
	}

	worst := Healthy
	counts := map[Level]int{}
	for _, sub := range subStatuses {
		counts[sub.Level]++
		if sub.Level.rank() > worst.rank() {
			worst = sub.Level
		}
	}

	var status Status
	switch worst {
	case Unhealthy:
		status = newStatus(component, Unhealthy, plural(counts[Unhealthy], "unhealthy"))
	case Degraded:
		status = newStatus(component, Degraded, plural(counts[Degraded], "degraded"))
	default:
		status = newStatus(component, Healthy, "all healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	sort.Slice(status.SubStatuses, func(i, j int) bool {
		return status.SubStatuses[i].Component < status.SubStatuses[j].Component
	})
	return status
}

func plural(n int, what string) string {
	if n == 1 {
		return "1 component " + what
	}
	return fmt.Sprintf("%d components %s", n, what)
}

// Sanitize removes URLs, IP addresses and credentials from an error message.
func Sanitize(msg string) string {
	if msg == "" {
		return ""
	}
	msg = httpURLRegex.ReplaceAllString(msg, "[URL]")
	msg = natsURLRegex.ReplaceAllString(msg, "[URL]")
	msg = wsURLRegex.ReplaceAllString(msg, "[URL]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	return credentialRegex.ReplaceAllString(msg, "[REDACTED]")
}
