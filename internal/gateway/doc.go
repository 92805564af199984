// Package gateway orchestrates the atende-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the server. It builds
// every component from the loaded configuration and owns their lifecycle:
// the store, the job queue and its workers, the idempotency cache, the
// conversation Manager and Dispatcher, the archive blob store and the
// maintenance job scheduler.
//
// # HTTP Endpoints
//
//	GET  /health        liveness, always 200
//	GET  /health/ready  200 when the database answers
//	GET  /webhook       Cloud API subscription handshake (hub.challenge)
//	POST /webhook       inbound messages; 202 once every message is enqueued
//
// A delivery is acknowledged only after all of its messages are on the
// queue. When the queue is full or closed the gateway answers 503 and the
// channel redelivers; messages already enqueued are dropped as duplicates
// on the second pass.
//
// # Lifecycle
//
// Run listens on server.http_addr and runs three things under one errgroup:
// the HTTP server, the queue consumers (started before serving) and the job
// scheduler. Cancelling the context, or any of them failing, triggers
// Shutdown, which stops the HTTP server, closes the queue, the caches and
// finally the store.
//
// RunJob runs a single maintenance job once under its advisory lock, for the
// run-job command and external schedulers.
package gateway
