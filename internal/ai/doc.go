// Package ai connects conversations to an assistant model.
//
// Responder is the port the AI chat state calls once per user turn. Each
// reply carries a ResponseID; passing it back as LastResponseID continues the
// same thread without resending history. OpenAIResponder keeps those threads
// in memory over the chat completions API (github.com/sashabaranov/go-openai),
// sizes each call with a budget.Manager, and condenses history into a summary
// when the estimate exceeds the input ceiling. A condensed reply sets
// Summarized, and its ResponseID starts a fresh chain.
//
// Two tools are offered to the model, enter_queue and end_ai_chat. Tool calls
// come back as queue.Intent values for the caller to enqueue.
//
// ScriptedResponder is a deterministic stand-in for tests.
package ai
