package rules

// DefaultSpecs is the built-in rule set
func DefaultSpecs() []Spec {
	return []Spec{
		{
			Name:        "Credit Card",
			Description: "Payment card number passing the Luhn check",
			Pattern:     `\b(?:\d[ -]?){12,18}\d\b`,
			Severity:    "high",
			Validator:   "luhn",
			Redaction:   Redaction{Mode: RedactStructured, KeepPrefix: 4, KeepSuffix: 4, GroupSize: 4},
		},
		{
			Name:        "Password",
			Description: "Password assignment in free text",
			Pattern:     `(?i)\b(?:password|passwd|pwd|mot de passe)\s*[:=]\s*(?P<secret>\S{4,})`,
			Severity:    "high",
			Redaction:   Redaction{Mode: RedactFreeform, KeepPrefix: 2, MaxLen: 10},
		},
		{
			Name:        "AWS Access Key",
			Description: "AWS access key id",
			Pattern:     `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`,
			Severity:    "critical",
			Redaction:   Redaction{Mode: RedactFreeform, KeepPrefix: 4, MaxLen: 20},
		},
		{
			Name:        "Private Key",
			Description: "PEM private key block",
			Pattern:     `-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP |ENCRYPTED )?PRIVATE KEY(?: BLOCK)?-----\s*(?P<secret>[A-Za-z0-9+/=\s]{16,})`,
			Severity:    "critical",
			Redaction:   Redaction{Mode: RedactFreeform, MaxLen: 16},
		},
		{
			Name:        "Slack Token",
			Description: "Slack bot, user or app token",
			Pattern:     `\b(?P<secret>xox[abprs]-[0-9A-Za-z-]{10,})\b`,
			Severity:    "critical",
			Redaction:   Redaction{Mode: RedactFreeform, KeepPrefix: 5, MaxLen: 16},
		},
		{
			Name:        "API Token",
			Description: "Generic api key, secret or token assignment",
			Pattern:     `(?i)\b(?:api[_-]?key|secret|access[_-]?token|auth[_-]?token)\s*[:=]\s*["']?(?P<secret>[A-Za-z0-9_\-]{16,})`,
			Severity:    "high",
			Redaction:   Redaction{Mode: RedactFreeform, KeepPrefix: 3, MaxLen: 12},
		},
		{
			Name:        "IBAN",
			Description: "International bank account number passing mod-97",
			Pattern:     `\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,4})?\b`,
			Severity:    "medium",
			Validator:   "iban",
			Redaction:   Redaction{Mode: RedactStructured, KeepPrefix: 4, KeepSuffix: 2, GroupSize: 4},
		},
		{
			Name:        "Email Address",
			Description: "Email address",
			Pattern:     `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
			Severity:    "low",
			Redaction:   Redaction{Mode: RedactFreeform, KeepPrefix: 2, MaxLen: 12},
		},
	}
}
