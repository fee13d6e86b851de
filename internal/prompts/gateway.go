package prompts

// Prompt IDs used by the conversation shaper.
const (
	// MemoryHeaderID renders stored user memories into the system message.
	// Variable: {{memories}} — a bullet list, one memory per line.
	MemoryHeaderID = "memory-header"
	// CompactionSummaryID is the system prompt for history compaction.
	CompactionSummaryID = "compaction-summary"
)

func init() {
	registry := Default()

	registry.Register(&Prompt{
		ID:      MemoryHeaderID,
		Version: V1,
		Content: `The following long-term memories about this user were recorded in earlier conversations. Treat them as background facts. When a memory conflicts with something the user says now, prefer the current conversation.

{{memories}}`,
		Description: "Header injected into the system message when the user has stored memories",
	})

	registry.Register(&Prompt{
		ID:      CompactionSummaryID,
		Version: V1,
		Content: `You compress earlier chat history for an assistant that will continue the conversation. Preserve the user's goals, stated facts and preferences, decisions made, names of files and tools involved, and unresolved questions. Omit pleasantries and redundant tool output.`,
		Description: "System prompt used when summarizing the head of a long conversation",
	})
}
