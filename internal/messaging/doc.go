// Package messaging talks to the customer-facing channel.
//
// Sender is the outbound port: plain text, up to three reply buttons, or a
// list of options. CloudClient implements it against a WhatsApp Cloud style
// HTTP API with per-tenant credentials; every tenant gets its own token
// bucket so one busy tenant cannot exhaust another's send rate. CloudClient
// also downloads inbound media.
//
// ParseWebhook turns channel notifications into queue.IncomingMessage values
// for the intake endpoint.
//
// Recorder keeps sent messages in memory for tests.
package messaging
