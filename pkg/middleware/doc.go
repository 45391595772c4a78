// Package middleware provides the built-in agent middleware: structured
// logging, token-budget conversation summarization, human-in-the-loop tool
// approval, and prompt variable injection.
//
// Each middleware implements agent.Middleware plus the hook interfaces it
// needs. Attach them per agent with agent.WithMiddleware; the chain orders
// them by priority.
package middleware
