package pool

import "errors"

// ErrBusy is returned by Acquire when a host-capacity or rate-limit wait
// exceeds its deadline (spec §4.1's "Failure semantics").
var ErrBusy = errors.New("pool: host busy, acquire deadline exceeded")

// ErrSessionBorrowed is returned when a second Acquire is attempted for a
// mailbox whose session is already checked out and the borrow-wait
// deadline elapses first (spec §3's Session entity: "never shared between
// workers concurrently").
var ErrSessionBorrowed = errors.New("pool: session already borrowed")
