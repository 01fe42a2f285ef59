package security

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/yukie-ai/yukie/core"
)

const maxStringParamLen = 10000

// BlockedField records a parameter the sanitizer refused.
type BlockedField struct {
	Param  string `json:"param"`
	Reason string `json:"reason"`
}

// SanitizeResult is the outcome of sanitising one parameter map. Clean
// holds the rewritten parameters; any Blocked entry means the call must
// not be dispatched.
type SanitizeResult struct {
	Clean    map[string]interface{} `json:"clean"`
	Warnings []string               `json:"warnings,omitempty"`
	Blocked  []BlockedField         `json:"blocked,omitempty"`
}

// Sanitizer strips dangerous content from string parameters before they
// reach a downstream service. Stripping and truncation warn; injection
// heuristics block.
type Sanitizer struct {
	logger core.Logger
}

// NewSanitizer creates a sanitizer with the default rules.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{logger: &core.NoOpLogger{}}
}

// SetLogger sets the logger provider.
func (s *Sanitizer) SetLogger(logger core.Logger) {
	if logger == nil {
		s.logger = &core.NoOpLogger{}
	} else {
		s.logger = logger
	}
}

var (
	htmlTagRe = regexp.MustCompile(`(?is)<\s*/?\s*[a-z][^>]*>`)

	// Stacked quotes with a tautology, or SQL comment tokens following
	// quoted input.
	sqlTautologyRe = regexp.MustCompile(`(?i)'\s*(or|and)\s*'?\d*'?\s*=\s*'`)
	sqlCommentRe   = regexp.MustCompile(`(?i)('|\d)\s*(--|#|/\*)`)
	sqlStackedRe   = regexp.MustCompile(`(?i);\s*(drop|delete|truncate|update|insert)\s`)

	pathTraversalRe = regexp.MustCompile(`\.\./|\.\.\\`)
	systemPathRe    = regexp.MustCompile(`(?i)^(/etc/|/var/|/usr/|/root/|/proc/|c:\\windows)`)

	shellMetaRe        = regexp.MustCompile("[;&|`$]")
	destructiveShellRe = regexp.MustCompile(`(?i)\b(rm|mkfs|dd|shutdown|reboot|chmod|chown|curl|wget)\b`)
)

// Sanitize walks a parameter map and returns cleaned values plus any
// warnings and blocks. Nested objects and arrays are walked; non-string
// leaves pass through untouched.
func (s *Sanitizer) Sanitize(params map[string]interface{}) *SanitizeResult {
	result := &SanitizeResult{Clean: make(map[string]interface{}, len(params))}
	for name, value := range params {
		result.Clean[name] = s.sanitizeValue(name, value, result)
	}
	return result
}

func (s *Sanitizer) sanitizeValue(path string, value interface{}, result *SanitizeResult) interface{} {
	switch v := value.(type) {
	case string:
		return s.sanitizeString(path, v, result)
	case map[string]interface{}:
		clean := make(map[string]interface{}, len(v))
		for k, item := range v {
			clean[k] = s.sanitizeValue(path+"."+k, item, result)
		}
		return clean
	case []interface{}:
		clean := make([]interface{}, len(v))
		for i, item := range v {
			clean[i] = s.sanitizeValue(fmt.Sprintf("%s[%d]", path, i), item, result)
		}
		return clean
	default:
		return value
	}
}

func (s *Sanitizer) sanitizeString(path, value string, result *SanitizeResult) string {
	if reason := injectionReason(value); reason != "" {
		result.Blocked = append(result.Blocked, BlockedField{Param: path, Reason: reason})
		s.logger.Warn("Parameter blocked by sanitizer", map[string]interface{}{
			"operation": "sanitize",
			"param":     path,
			"reason":    reason,
		})
		return ""
	}

	clean := value
	if htmlTagRe.MatchString(clean) {
		clean = htmlTagRe.ReplaceAllString(clean, "")
		result.Warnings = append(result.Warnings, fmt.Sprintf("stripped HTML tags from %q", path))
	}
	if utf8.RuneCountInString(clean) > maxStringParamLen {
		// Truncate on a rune boundary; the limit counts characters.
		clean = string([]rune(clean)[:maxStringParamLen])
		result.Warnings = append(result.Warnings, fmt.Sprintf("truncated %q to %d characters", path, maxStringParamLen))
	}
	return clean
}

// injectionReason returns a non-empty reason when the value trips one of
// the blocking heuristics.
func injectionReason(value string) string {
	switch {
	case sqlTautologyRe.MatchString(value),
		sqlCommentRe.MatchString(value),
		sqlStackedRe.MatchString(value):
		return "possible SQL injection"
	case pathTraversalRe.MatchString(value),
		systemPathRe.MatchString(strings.TrimSpace(value)):
		return "path traversal attempt"
	case shellMetaRe.MatchString(value) && destructiveShellRe.MatchString(value):
		return "shell metacharacters with a destructive command"
	default:
		return ""
	}
}
