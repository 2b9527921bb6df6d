package germinal

import "fmt"

// RouteRule matches events by source and type. Empty Source or Type
// matches anything.
type RouteRule struct {
	Source    string
	Type      string
	AgentType string
	ModelKey  string
}

// Decision is the routing outcome: which agent handles the event, with
// which model key, and the task text extracted from the payload.
type Decision struct {
	AgentType string
	ModelKey  string
	Task      string
}

// Router maps events to agent invocations via an ordered rule list.
// First match wins.
type Router struct {
	rules []RouteRule
}

// DefaultRules routes user and HTTP messages to the task agent with the
// default model. Timer ticks deliberately have no rule yet.
func DefaultRules() []RouteRule {
	return []RouteRule{
		{Source: "user", Type: "message", AgentType: "task_agent", ModelKey: "default"},
		{Source: "http", Type: "message", AgentType: "task_agent", ModelKey: "default"},
	}
}

// NewRouter creates a Router. With no rules it falls back to DefaultRules.
func NewRouter(rules ...RouteRule) *Router {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Router{rules: rules}
}

// Route resolves an event to a Decision or returns ErrUnroutable. The
// task text comes from payload["message"]; a matching rule with a missing
// or non-string message is an error, not a silent empty task.
func (r *Router) Route(ev Event) (Decision, error) {
	for _, rule := range r.rules {
		if rule.Source != "" && rule.Source != ev.Source {
			continue
		}
		if rule.Type != "" && rule.Type != ev.Type {
			continue
		}
		task, ok := ev.Payload["message"].(string)
		if !ok || task == "" {
			return Decision{}, fmt.Errorf("route event %s: payload has no message", ev.ID)
		}
		return Decision{AgentType: rule.AgentType, ModelKey: rule.ModelKey, Task: task}, nil
	}
	return Decision{}, &ErrUnroutable{Source: ev.Source, Type: ev.Type}
}
