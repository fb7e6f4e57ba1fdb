/*
Package rpc implements the control channel between the master and the worker.

The channel is a single persistent WebSocket connection carrying JSON
messages, one record per message. The client sends Request messages and the
server answers each one with exactly one Response message carrying the same
request ID. Responses may arrive out of order relative to other in-flight
requests; the client correlates them by ID. The schema for both messages is
in types.go.

The server answers every well-formed request, including requests it does not
recognize (those get an error Response). A message that is not valid JSON
also gets an error Response with an empty request ID; only a transport-level
read or write failure ends the connection. This keeps the client's timeout
the single source of "no answer" failures.

If the connection breaks, the client re-dials on the next call. It never
queues calls while disconnected, and it makes no delivery guarantee across a
timeout: a timed-out request may or may not have been processed.
*/
package rpc
