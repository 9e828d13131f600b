package domain

// Progress event levels.
const (
	LevelInfo    = "info"
	LevelVerbose = "verbose"
	LevelDebug   = "debug"
	LevelError   = "error"
)

// Event is one progress message written to a deploy stream.
type Event struct {
	Message string         `json:"message"`
	Level   string         `json:"level"`
	Data    map[string]any `json:"data,omitempty"`
}
