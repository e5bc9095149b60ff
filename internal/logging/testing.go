// internal/logging/testing.go
package logging

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry in memory for assertions. Entries go
// through neither sampling nor redaction.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger creates a logger that observes every level down to Trace.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

// All returns all logged entries.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// FilterMessage returns entries whose message contains msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessageSnippet(msg)
}

// Reset clears all logged entries.
func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}

// AssertLogged verifies a log at level containing message was logged.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	if t.find(level, msgContains) {
		return
	}
	tb.Errorf("expected log at %s containing %q, got:\n%s", levelName(level), msgContains, t.dump())
}

// AssertNotLogged verifies no log at level containing message was logged.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	if t.find(level, msgContains) {
		tb.Errorf("unexpected log at %s containing %q", levelName(level), msgContains)
	}
}

func (t *TestLogger) find(level zapcore.Level, msgContains string) bool {
	for _, entry := range t.observed.All() {
		if entry.Level == level && strings.Contains(entry.Message, msgContains) {
			return true
		}
	}
	return false
}

// AssertField verifies some entry whose message contains msg carries key
// with the expected value. Integers compare by value whatever their type,
// so AssertField(t, "task failed", "round", 2) matches zap.Int("round", 2).
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, expected interface{}) {
	tb.Helper()
	for _, entry := range t.observed.FilterMessageSnippet(msg).All() {
		got, ok := entry.ContextMap()[key]
		if ok && fieldEqual(got, expected) {
			return
		}
	}
	tb.Errorf("field %q=%v not found in message %q, got:\n%s", key, expected, msg, t.dump())
}

func fieldEqual(got, expected interface{}) bool {
	if reflect.DeepEqual(got, expected) {
		return true
	}
	gv, ev := reflect.ValueOf(got), reflect.ValueOf(expected)
	if isInt(gv) && isInt(ev) {
		return gv.Int() == ev.Int()
	}
	return false
}

func isInt(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

// AssertRunContext verifies the entry carries the workflow and phase
// correlation fields added by WithWorkflowID and WithPhaseID.
func (t *TestLogger) AssertRunContext(tb testing.TB, msg, workflowID, phaseID string) {
	tb.Helper()
	t.AssertField(tb, msg, "workflow.id", workflowID)
	if phaseID != "" {
		t.AssertField(tb, msg, "phase.id", phaseID)
	}
}

var (
	testSensitiveKeys     = []string{"password", "secret", "token", "api_key", "authorization", "credential", "private_key"}
	testSensitivePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)bearer\s+\S+`),
		regexp.MustCompile(`(?i)api[_-]?key[=:]\s*\S+`),
		regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),
	}
	testURLPassword = regexp.MustCompile(`://[^/\s:@]+:([^/\s@]+)@`)
)

// leaksURLPassword reports a URL whose password is not the redaction mask.
func leaksURLPassword(s string) bool {
	for _, m := range testURLPassword.FindAllStringSubmatch(s, -1) {
		if m[1] != "xxxxx" {
			return true
		}
	}
	return false
}

// AssertNoSecrets verifies no credential-looking data reached the logs.
func (t *TestLogger) AssertNoSecrets(tb testing.TB) {
	tb.Helper()
	for _, entry := range t.observed.All() {
		for _, re := range testSensitivePatterns {
			if re.MatchString(entry.Message) {
				tb.Errorf("sensitive pattern in message: %q", entry.Message)
			}
		}
		for _, field := range entry.Context {
			if field.Type != zapcore.StringType {
				continue
			}
			key := strings.ToLower(field.Key)
			for _, sensitive := range testSensitiveKeys {
				if strings.Contains(key, sensitive) && field.String != "" && !strings.HasPrefix(field.String, "[REDACTED") {
					tb.Errorf("sensitive field %q not redacted: %q", field.Key, field.String)
				}
			}
			for _, re := range testSensitivePatterns {
				if re.MatchString(field.String) {
					tb.Errorf("sensitive pattern in field %q: %q", field.Key, field.String)
				}
			}
			if leaksURLPassword(field.String) {
				tb.Errorf("credentials in URL field %q: %q", field.Key, field.String)
			}
		}
	}
}

// AssertTraceCorrelation verifies trace_id present in message.
func (t *TestLogger) AssertTraceCorrelation(tb testing.TB, msg string) {
	tb.Helper()
	for _, entry := range t.observed.FilterMessageSnippet(msg).All() {
		if _, ok := entry.ContextMap()["trace_id"]; ok {
			return
		}
	}
	tb.Errorf("message %q missing trace_id", msg)
}

func (t *TestLogger) dump() string {
	var b strings.Builder
	for _, e := range t.observed.All() {
		fmt.Fprintf(&b, "  %s %q %v\n", levelName(e.Level), e.Message, e.ContextMap())
	}
	return b.String()
}
