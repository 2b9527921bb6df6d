package germinal

import "strings"

const basePrompt = `You are an autonomous task agent inside an orchestration runtime.

You work in steps. On every turn you must reply with exactly one JSON
object and nothing else, in this shape:

{"reasoning": "<your thinking about the current step>", "tool_call": {"tool": "<tool name>", "parameters": { ... }} }

To finish the task, set "tool_call" to null and put your final answer in
"reasoning":

{"reasoning": "<final answer to the user>", "tool_call": null}

Rules:
- "reasoning" is always required and must be a non-empty string.
- Call at most one tool per turn. Tool results arrive in the next user
  message inside <tool_result> tags.
- Only call tools listed below, with parameters matching their schema.
- If a tool returns an error, adapt: fix the parameters, pick another
  tool, or finish with an explanation.
- Do not wrap the JSON in markdown fences or add commentary around it.`

// BuildSystemPrompt renders the base agent instructions plus the JSON
// schemas of the tools this agent may call.
func BuildSystemPrompt(schemas []ToolSchema) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\nAvailable tools:\n")
	if len(schemas) == 0 {
		b.WriteString("(none — finish the task with tool_call null)\n")
		return b.String()
	}
	for _, s := range schemas {
		b.WriteString("\n- " + s.Name + " (risk: " + s.RiskLevel + ")\n")
		b.WriteString("  " + s.Description + "\n")
		b.WriteString("  parameters: " + string(s.Parameters) + "\n")
	}
	return b.String()
}
