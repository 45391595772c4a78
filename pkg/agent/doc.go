// Package agent implements the reason-act loop that binds a chat model, a
// tool invoker, an optional checkpointer, and a middleware chain into one
// executable agent.
//
// An invocation alternates model calls with tool execution until the model
// answers without tool calls or the iteration budget runs out. Middleware
// observes and steers every step through seven hooks; human-in-the-loop
// middleware can suspend the loop before a tool runs, producing a checkpoint
// that Resume continues from once the caller has decided.
//
// State is immutable: every step derives a new snapshot, and the current one
// is published on the InvocationContext for concurrent readers. Checkpoints
// make a suspended or finished invocation durable per conversation thread.
package agent
