// Package logging provides the engine's templated structured logging,
// adapted from the teacher's LogManager/LoggingFormat in log.go. The
// template/BuildLog/AddField shape is kept; the Loki push sink is
// dropped (spec.md scopes out logging sinks) in favor of printing
// straight through logrus, which is how the teacher's own Print()
// already behaved locally.
package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Manager owns a set of named message templates and builds structured
// log entries from them, mirroring the teacher's LogManager without
// its LokiClient/LogChannel dispatch goroutine.
type Manager struct {
	mu        sync.RWMutex
	templates map[string]string
}

// New builds a Manager preloaded with this engine's templates.
func New() *Manager {
	m := &Manager{templates: make(map[string]string)}
	m.loadTemplates()
	return m
}

func (m *Manager) loadTemplates() {
	templates := map[string]string{
		"DiscoveryReceived":     "discovery inquiry from %s",
		"DiscoveryReplySent":    "discovery reply sent to %s",
		"RequestSent":           "pe request %d sent to %s for %q",
		"RequestTimeout":        "pe request %d to %s for %q timed out",
		"RequestFailed":         "pe request %d to %s for %q failed: %s",
		"ReplyReceived":         "pe reply %d received from %s, status %d",
		"TooManyInFlight":       "request-id pool exhausted for device %s",
		"ResourceNotFound":      "resource %q not found",
		"ResourceReadOnly":      "resource %q rejected set: read-only",
		"SubscriptionStarted":   "subscription %s started for %q by %s",
		"SubscriptionEnded":     "subscription %s ended for %q",
		"SubscriptionStale":     "dropped stale subscription %s for %s",
		"NotifySent":            "notify for %q sent to %s",
		"NotifyFailed":          "notify for %q to %s failed: %s",
		"MalformedFrame":        "dropped malformed frame from %s: %s",
		"PipelineConditionSkip": "pipeline condition not met for %q on %s",
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, t := range templates {
		m.templates[strings.ToUpper(name)] = t
	}
}

// AddTemplate registers or overrides a named template, for callers that
// want to extend the engine's vocabulary (tests, embedding apps).
func (m *Manager) AddTemplate(name, template string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[strings.ToUpper(name)] = template
}

// Entry is one structured log line, serializable and printable, same
// role as the teacher's LoggingFormat.
type Entry struct {
	Message        string
	Level          logrus.Level
	AdditionalData map[string]interface{}
	Timestamp      time.Time
}

// AddField attaches an extra field to an already-built Entry.
func (e *Entry) AddField(key string, value interface{}) *Entry {
	if e.AdditionalData == nil {
		e.AdditionalData = make(map[string]interface{})
	}
	e.AdditionalData[key] = value
	return e
}

// Build formats templateName with args at level, ready for Print.
func (m *Manager) Build(templateName string, level logrus.Level, args ...interface{}) *Entry {
	return &Entry{
		Message:   m.format(templateName, args...),
		Level:     level,
		Timestamp: time.Now(),
	}
}

func (m *Manager) format(templateName string, args ...interface{}) string {
	m.mu.RLock()
	tpl, ok := m.templates[strings.ToUpper(templateName)]
	m.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("log: unknown template %q", templateName)
	}
	return fmt.Sprintf(tpl, args...)
}

// Print emits the entry through logrus at the matching level.
func (e *Entry) Print() {
	entry := logrus.WithFields(logrus.Fields{"time": e.Timestamp.Format(time.RFC3339)})
	for k, v := range e.AdditionalData {
		entry = entry.WithField(k, v)
	}
	switch e.Level {
	case logrus.ErrorLevel:
		entry.Error(e.Message)
	case logrus.WarnLevel:
		entry.Warn(e.Message)
	case logrus.DebugLevel:
		entry.Debug(e.Message)
	default:
		entry.Info(e.Message)
	}
}

// Log formats and immediately prints, the common case.
func (m *Manager) Log(templateName string, level logrus.Level, args ...interface{}) {
	m.Build(templateName, level, args...).Print()
}
