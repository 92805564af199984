// Package conversation drives the stepwise chat flow for every actor.
//
// # Overview
//
// An actor is a (tenant, phone) pair, resolved on every job to either a
// customer or an employee. Each actor has one live Context holding its
// current State. The Manager caches Contexts and restores them from the
// persisted snapshot on first touch:
//
//	m := conversation.NewManager(deps, conversation.ManagerOptions{})
//	c, isNew := m.GetContext(ctx, tenantID, phone)
//
// # States
//
// The flow is a closed set of states:
//
//   - initial: main menu; delegates to an active hand-off or queue first
//   - faq_menu, faq_category: knowledge-base browsing
//   - department_menu: choose a department to wait for an operator
//   - waiting_in_queue: absorbed until an employee picks the customer up
//   - in_conversation: bidirectional relay between customer and employee
//   - ai_chat: turns with the assistant, chained by continuation tokens
//
// Every change of state name is persisted before it takes effect in memory.
// A handler error rolls the Context back to the state it had before the
// message and the actor receives an apology.
//
// # Hand-off
//
// The Coordinator moves customers out of department queues into active
// conversations, closes them, and keeps the transcript in conversation
// logs that rotate once they grow past a configured size.
//
// # Dispatch
//
// Dispatcher is the queue handler. It suppresses redelivered messages by
// idempotency key and holds the actor's lock for the whole job, so two
// messages for the same actor never run concurrently.
package conversation
