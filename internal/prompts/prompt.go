// Package prompts holds the versioned prompt texts the gateway injects into
// conversations: the memory header and the compaction summary instructions.
package prompts

// Version identifies one revision of a prompt.
type Version string

const (
	V1 Version = "1.0.0"
)

// Prompt is one versioned prompt text.
type Prompt struct {
	ID          string
	Version     Version
	Content     string
	Description string
}
