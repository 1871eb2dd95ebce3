package config

// Secret redacts itself whenever it is printed, logged, or marshaled, so an
// API key never lands in a log line or a dumped config.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

func (s Secret) MarshalYAML() (interface{}, error) {
	return "[REDACTED]", nil
}
