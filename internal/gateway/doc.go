// ABOUTME: Package documentation for the gateway session pipeline
// ABOUTME: Connection state machine, classifier, and artifact handlers

// Package gateway maintains one resilient bot-gateway connection per
// generation and turns its dispatch traffic into typed pipeline events.
//
// A Session identifies on connect, heartbeats on the server-specified
// interval, and reconnects with a fresh identify on recoverable close
// codes. Bot messages are classified and routed to a GridHandler (the
// composite first reply) or an UpscaleHandler (the up-to-four follow-up
// renders), which download, validate, and store artifacts and advance the
// generation record. Consumers drive the pipeline from the Events() stream.
package gateway
