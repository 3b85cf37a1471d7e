// Package gateway orchestrates the coven-relay server components.
//
// # Overview
//
// The gateway owns every relay component and exposes them behind one HTTP
// server: the session registry, delivery coordinator, heartbeat monitor,
// admission gate, AI orchestrator, dedupe cache and the SQLite store.
//
// # WebSocket Protocol
//
// Clients connect to /ws and exchange JSON text frames:
//
//	{"type":"connect","data":{"token":"<jwt>"}}
//	{"type":"event","event":"sendMessage","ackId":"c1","data":{...}}
//	{"type":"ack","ackId":"c1","data":{"success":true,...}}
//
// The first frame must be connect. The token may also come from the
// Authorization header or the token query parameter. Every event that
// carries an ackId is answered with an ack frame; failures are acks with
// success=false and a code. Server deliveries that need confirmation
// (newMessage, heartbeatRequest) carry server ack ids "s<N>" which the
// client must ack.
//
// # Connection Lifecycle
//
// Each connection runs three goroutines: the read loop, which resolves acks
// inline and queues events; a worker, which routes events in arrival order;
// and the single writer. Anything that waits on a peer runs on its own
// goroutine: the sendMessage fan-out, whose ack is sent when every recipient
// has acked or given up, and AI streaming, which starts after its ack. Both
// are cancelled when the connection closes.
//
// On disconnect the session's unacknowledged deliveries are written to the
// store and room members are told the user left. A reconnect within the
// grace period restores the user's rooms.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - Store ping plus connection and room counts
//   - GET /api/stats - Counters, connections, rooms and providers
//   - GET /api/providers - AI provider descriptors
//   - GET /api/undelivered?user_id= - Stored undelivered messages (admin)
//   - GET /api/audit - Audit log with actor_id, action, since and limit filters (admin)
//   - GET /metrics - Prometheus metrics when enabled
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Cancelling ctx closes live connections, waits for their teardown and
// releases the store.
package gateway
