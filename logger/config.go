package logger

// Config logging configuration
type Config struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error (default: info)
	Caller bool   `json:"caller" yaml:"caller"` // report file:line of the call site
	JSON   bool   `json:"json" yaml:"json"`     // JSON output instead of colored text
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}
