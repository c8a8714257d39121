package rules

import "threatline/internal/schema"

// Defaults returns the built-in rule set used when no rule paths are
// configured. Each call returns fresh values.
func Defaults() []*Rule {
	return []*Rule{
		{
			ID:          "brute_force",
			Name:        "Brute force authentication",
			Description: "Repeated authentication failures from one source.",
			Conditions: []*Condition{
				{Field: "type", Type: ConditionEquals, Value: "auth"},
				{Field: "status", Type: ConditionPattern, Pattern: `(?i)fail(ed|ure)?$`},
			},
			WindowMinutes: 5,
			Threshold:     5,
			Severity:      schema.SeverityHigh,
			Tags:          []string{"authentication", "attack.credential_access"},
		},
		{
			ID:          "multiple_failed_logins",
			Name:        "Multiple failed Windows logons",
			Description: "More than five 4625 logon failures from one source within five minutes.",
			Conditions: []*Condition{
				{Field: "type", Type: ConditionEquals, Value: "host-log"},
				{Field: "event_id", Type: ConditionEquals, Value: "4625"},
			},
			WindowMinutes: 5,
			Threshold:     6,
			Severity:      schema.SeverityHigh,
			Tags:          []string{"windows", "attack.credential_access"},
		},
		{
			ID:          "large_data_transfer",
			Name:        "Large data transfer",
			Description: "A single flow moved at least 500000 bytes.",
			Conditions: []*Condition{
				{Field: "type", Type: ConditionEquals, Value: "flow"},
				{Field: "bytes", Type: ConditionPattern, Pattern: `(?:[5-9]\d{5}|[1-9]\d{6,})(?:\.\d+)?$`},
			},
			Severity: schema.SeverityMedium,
			Tags:     []string{"network", "attack.exfiltration"},
		},
		{
			ID:          "lateral_movement",
			Name:        "Lateral movement",
			Description: "Remote administration logons from one source to several hosts.",
			Conditions: []*Condition{
				{Field: "type", Type: ConditionEquals, Value: "auth"},
				{Field: "status", Type: ConditionPattern, Pattern: `(?i)success`},
				{Field: "auth.method", Type: ConditionPattern, Pattern: `(?i)(smb|rdp|wmi|winrm|psexec)$`},
			},
			WindowMinutes: 10,
			Threshold:     3,
			Severity:      schema.SeverityCritical,
			Tags:          []string{"attack.lateral_movement"},
		},
	}
}
