// Package store is the SQLite-backed remote authority for work orders.
//
// It holds:
//   - Jobs: the work orders and their current status
//   - Attachments: files listed per work order
//   - Transitions: the journal of applied status changes
//
// # Authority
//
// MutateStatus re-normalizes the requested label and checks the status graph
// itself. The update is conditional on the status it read, so two writers
// racing on the same work order cannot both win.
//
// After every committed write a change payload is published on the
// configured push channel, in the shape events.Normalize accepts.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: attachments are removed with their work order
//
// Lock contention surfaces as errclass.TransportFailure, everything else
// as a wrapped driver error.
package store
