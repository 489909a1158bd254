package idmgr

import "errors"

// Configuration errors reflect a misconfigured topology or a bad query.
// Capacity errors mean the job outgrew the id layout. Neither is retryable.
var (
	// ErrInvalidTopology is returned by New for an unusable resource descriptor.
	ErrInvalidTopology = errors.New("idmgr: invalid topology")

	// ErrUnknownMachine means no machine carries the queried name.
	ErrUnknownMachine = errors.New("idmgr: unknown machine name")

	// ErrMachineOutOfRange means a machine id outside [0, machine count).
	ErrMachineOutOfRange = errors.New("idmgr: machine id out of range")

	// ErrThrdOutOfRange means a thread id that does not fit the 8-bit field.
	ErrThrdOutOfRange = errors.New("idmgr: thread id out of range")

	// ErrCapacityExceeded means a band or a task counter is exhausted.
	ErrCapacityExceeded = errors.New("idmgr: capacity exceeded")
)
