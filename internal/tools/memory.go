package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
)

// NewMemoryRetrieveTool lists the user's stored memories.
func NewMemoryRetrieveTool(store MemoryStore) engine.Tool {
	return engine.Tool{
		Name:        "memory_retrieve",
		Description: "Lists everything stored in the user's long-term memory, oldest first, with the id needed to update or delete an entry.",
		SchemaJSON:  `{"type":"object","properties":{}}`,
		Category:    engine.CategoryMemory,
		Fn: func(ctx context.Context, rc *engine.RequestContext, args map[string]any) (string, error) {
			memories, err := store.Retrieve(ctx, rc.UserID)
			if err != nil {
				return "", err
			}
			if len(memories) == 0 {
				return "No memories stored for this user.", nil
			}
			out, err := json.Marshal(memories)
			if err != nil {
				return "", err
			}
			return string(out), nil
		},
	}
}

// NewMemoryCreateTool stores a new memory. Budget violations come back as
// tool errors naming the budget so the model can consolidate.
func NewMemoryCreateTool(store MemoryStore) engine.Tool {
	return engine.Tool{
		Name:        "memory_create",
		Description: "Stores a short fact about the user in long-term memory. Keep entries concise; the per-user budget is limited.",
		SchemaJSON:  `{"type":"object","properties":{"text":{"type":"string","description":"The fact to remember"}},"required":["text"]}`,
		Category:    engine.CategoryMemory,
		Fn: func(ctx context.Context, rc *engine.RequestContext, args map[string]any) (string, error) {
			m, err := store.Create(ctx, rc.UserID, stringArg(args, "text"))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Memory stored with id %s.", m.ID), nil
		},
	}
}

// NewMemoryUpdateTool rewrites an existing memory.
func NewMemoryUpdateTool(store MemoryStore) engine.Tool {
	return engine.Tool{
		Name:        "memory_update",
		Description: "Replaces the text of an existing memory. Use memory_retrieve first to find the id.",
		SchemaJSON:  `{"type":"object","properties":{"id":{"type":"string","description":"Memory id from memory_retrieve"},"text":{"type":"string","description":"The replacement text"}},"required":["id","text"]}`,
		Category:    engine.CategoryMemory,
		Fn: func(ctx context.Context, rc *engine.RequestContext, args map[string]any) (string, error) {
			m, err := store.Update(ctx, rc.UserID, stringArg(args, "id"), stringArg(args, "text"))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Memory %s updated.", m.ID), nil
		},
	}
}

// NewMemoryDeleteTool removes one memory.
func NewMemoryDeleteTool(store MemoryStore) engine.Tool {
	return engine.Tool{
		Name:        "memory_delete",
		Description: "Deletes one memory by id.",
		SchemaJSON:  `{"type":"object","properties":{"id":{"type":"string","description":"Memory id from memory_retrieve"}},"required":["id"]}`,
		Category:    engine.CategoryMemory,
		Fn: func(ctx context.Context, rc *engine.RequestContext, args map[string]any) (string, error) {
			id := stringArg(args, "id")
			if err := store.Delete(ctx, rc.UserID, id); err != nil {
				return "", err
			}
			return fmt.Sprintf("Memory %s deleted.", id), nil
		},
	}
}
