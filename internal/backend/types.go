package backend

// Message is a single prompt sent to a backend.
type Message struct {
	System  string
	Content string
}

// Response represents a response from the backend.
type Response struct {
	Content      string
	InputTokens  int64
	OutputTokens int64
}

// Config defines the configuration for a backend.
type Config struct {
	Type        string // "anthropic", "bedrock", "claude" or "command"
	Name        string
	Model       string
	APIKey      string
	BaseURL     string
	UseBedrock  bool
	Region      string
	Profile     string
	Command     string
	Args        []string
	WorkDir     string
	MaxTokens   int64
	Temperature *float64
}

func (c Config) name() string {
	if c.Name != "" {
		return c.Name
	}
	if c.Type != "" {
		return c.Type
	}
	return "anthropic"
}
