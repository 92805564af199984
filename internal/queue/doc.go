// Package queue carries jobs from intake to the conversation dispatcher.
//
// # Jobs
//
// A Job is a tagged union of two variants:
//
//   - inbound: a message received from the channel (IncomingMessage)
//   - intent: actions requested by the assistant (ToolIntents)
//
// On the wire both are flat JSON objects with a "kind" discriminator.
//
// # Implementations
//
// MemoryQueue is an in-process buffer with a fixed worker pool. Enqueue never
// blocks: an idle worker receives the job directly, otherwise it is buffered.
// AMQPQueue implements the same contract over RabbitMQ for deployments that
// want a durable broker.
//
// Neither implementation retries. A failed handler is logged and the worker
// moves on; the channel redelivers unacknowledged messages at the edge.
package queue
