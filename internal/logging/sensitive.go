// Package logging configures structured logging and keeps credentials and
// personal data out of log output.
package logging

import (
	"regexp"
	"strings"
)

// SensitiveFields contains field names that should be masked in logs.
var SensitiveFields = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"access_token":  true,
	"refresh_token": true,
	"private_key":   true,
	"client_secret": true,
	"credentials":   true,
	"authorization": true,
	"bearer":        true,
	"jwt":           true,
	"session_id":    true,
	"cookie":        true,
	"x-api-key":     true,
	"kerberos":      true,
	"ntlm_hash":     true,
	"hash":          true,
	"webhook_url":   true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField checks if a field name is sensitive. Dotted names such as
// "auth.password" match on any segment.
func IsSensitiveField(fieldName string) bool {
	lowerField := strings.ToLower(fieldName)

	if SensitiveFields[lowerField] {
		return true
	}

	for sensitive := range SensitiveFields {
		if strings.Contains(lowerField, sensitive) {
			return true
		}
	}

	return false
}

// MaskSensitiveValue masks a value if the field name is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" {
		return value
	}
	if IsSensitiveField(fieldName) {
		return MaskedValue
	}
	return value
}

// MaskString masks a portion of a sensitive string, showing only first/last chars.
func MaskString(s string, showFirst, showLast int) string {
	if s == "" {
		return s
	}

	length := len(s)

	// If string is too short, mask completely
	if length <= showFirst+showLast+3 {
		return MaskedValue
	}

	return s[:showFirst] + "***" + s[length-showLast:]
}

// MaskEmail partially masks an email address.
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}

	atIdx := strings.Index(email, "@")
	if atIdx <= 0 {
		return MaskedValue
	}

	local := email[:atIdx]
	domain := email[atIdx:]

	if len(local) <= 2 {
		return MaskedValue + domain
	}

	return local[:1] + "***" + local[len(local)-1:] + domain
}

// SensitivePatterns contains regex patterns for sensitive data in raw strings.
var SensitivePatterns = []*regexp.Regexp{
	// key=value credentials
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-\.]+)['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	// AWS access key ids
	regexp.MustCompile(`(AKIA|ABIA|ACCA|AGPA|AIDA|AIPA|ANPA|ANVA|APKA|AROA|ASCA|ASIA)[A-Z0-9]{16}`),
}

// emailPattern finds addresses embedded in free text.
var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// MaskSensitivePatterns masks credentials and email addresses in a raw string.
func MaskSensitivePatterns(s string) string {
	result := s

	for _, pattern := range SensitivePatterns {
		result = pattern.ReplaceAllString(result, MaskedValue)
	}

	return emailPattern.ReplaceAllStringFunc(result, MaskEmail)
}

// SafeLogValue returns a safe-to-log version of a value based on field name.
// Strings under non-sensitive names still have embedded secrets masked.
func SafeLogValue(fieldName string, value any) any {
	if value == nil {
		return nil
	}

	if IsSensitiveField(fieldName) {
		return MaskedValue
	}

	if s, ok := value.(string); ok {
		return MaskSensitivePatterns(s)
	}
	return value
}

// MaskFields returns a copy of an event's fields safe to log.
func MaskFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = SafeLogValue(k, v)
	}
	return out
}
