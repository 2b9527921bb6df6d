// Package germinal is a persistent agent orchestration runtime.
//
// Events from multiple sources (HTTP front-end, timer, CLI) flow through a
// durable SQLite-backed queue. A supervisor loop dequeues one event at a
// time, routes it to an agent type, assembles layered project context, and
// drives a structured tool-calling loop against an LLM provider. Every
// invocation, tool call, and approval decision is recorded so the full
// state of the system survives restarts and can be inspected offline.
//
// The root package holds the runtime framework: entity types, the Store
// interface, the event queue, the router, the context manager, the tool
// registry, the approval gate, and the invocation engine. Subpackages
// provide the SQLite store, the OpenAI-compatible provider client, the
// HTTP front-end, shipped tools, and OTEL-based observability.
package germinal
