package extraction

import (
	"fmt"
	"strings"

	"github.com/metastable-lab/memzero/internal/llm"
	"github.com/metastable-lab/memzero/internal/memzero"
)

const extractToolName = "extract_facts"

const systemPromptTemplate = `You are an advanced algorithm designed to extract structured information from conversation text to construct knowledge graphs. Your goal is to capture comprehensive and accurate information. Follow these key principles:

1. Extract only explicitly stated information from the text.
2. Each fact is a (subject, predicate, object) triple between named entities or between an entity and a literal value.
3. Use "%s" as the subject for any self-references (e.g., "I", "me", "my") in user messages.

Predicates:
    - Use consistent, general, and timeless predicate names in snake_case.
    - Example: prefer "lives_in" over "moved_to_last_year", "works_at" over "became_employee_of".

Entity consistency:
    - Maintain consistent naming for entities across the extracted facts.
    - Facts must be coherent and logically align with the context of the conversation.

Assign each fact a confidence between 0 and 1 reflecting how directly the text states it, and a source_turn naming the zero-based index of the turn the fact comes from. If the conversation carries no extractable knowledge, call the tool with an empty facts array.

You must respond with a single %s tool call and nothing else.`

// subjectAlias is the canonical subject used for user self-references.
const subjectAlias = "user"

func systemPrompt() string {
	return fmt.Sprintf(systemPromptTemplate, subjectAlias, extractToolName)
}

func renderTurns(turns []memzero.Turn) string {
	var b strings.Builder
	for i, turn := range turns {
		role := turn.Role
		if role == "" {
			role = "user"
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", i, role, turn.Content)
	}
	return b.String()
}

func extractTool() llm.Tool {
	return llm.Tool{
		Type: "function",
		Function: llm.Function{
			Name:        extractToolName,
			Description: "Report the facts extracted from the conversation.",
			Strict:      true,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"facts": map[string]any{
						"type":        "array",
						"description": "An array of extracted facts.",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"subject":      map[string]any{"type": "string", "description": "The subject entity of the fact."},
								"subject_type": map[string]any{"type": "string", "description": "The subject's entity type (person, place, preference, ...)."},
								"predicate":    map[string]any{"type": "string", "description": "The relationship between subject and object, in snake_case."},
								"object":       map[string]any{"type": "string", "description": "The object entity or literal value."},
								"object_type":  map[string]any{"type": "string", "description": "The object's entity type, or \"literal\"."},
								"confidence":   map[string]any{"type": "number", "description": "Confidence in [0, 1]."},
								"source_turn":  map[string]any{"type": "integer", "description": "Zero-based index of the conversation turn the fact comes from."},
							},
							"required":             []string{"subject", "subject_type", "predicate", "object", "object_type", "confidence", "source_turn"},
							"additionalProperties": false,
						},
					},
				},
				"required":             []string{"facts"},
				"additionalProperties": false,
			},
		},
	}
}
