// Package container implements the request-dispatch runtime: a pool of
// container instances, each owning a registry of wired services and the
// route tables that map normalized requests onto registered handlers.
//
// An instance moves through a strict lifecycle. While Pending it accepts
// registrations and publications; Prepare wires dependencies and moves it to
// Ready. Each request takes it Ready -> Reserved -> Busy and always back to
// Ready, success or failure. The pool provides concurrency by handing
// simultaneous requests to different instances.
package container

// State is the lifecycle state of a container instance.
type State int

const (
	StatePending  State = iota - 1 // accepting registrations
	StateReady                     // idle, able to take a request
	StateReserved                  // request accepted, resolving route and auth
	StateBusy                      // handler executing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateReady:
		return "Ready"
	case StateReserved:
		return "Reserved"
	case StateBusy:
		return "Busy"
	}
	return "Unknown"
}
