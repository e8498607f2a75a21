package config

// Secret is a string type that redacts itself whenever it is formatted,
// marshaled, or logged, so API keys never end up in a log line or a
// dumped config.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString backs the %#v formatter, used by debuggers and some loggers.
func (s Secret) GoString() string {
	return "[REDACTED]"
}

// MarshalJSON ensures secrets are redacted when marshaled to JSON.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// MarshalYAML ensures secrets are redacted when the config is dumped back
// to YAML (e.g. for a startup banner or debug endpoint).
func (s Secret) MarshalYAML() (interface{}, error) {
	return "[REDACTED]", nil
}

// UnmarshalYAML accepts a plain scalar string from the config file.
func (s *Secret) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*s = Secret(raw)
	return nil
}
