// Package idcodec packs machine id, thread id and a local sequence number into
// one non-negative int64. It is the only place the bit layout is assumed.
//
//	  1      16 bit       8 bit          39 bit
//	|-|----------------|--------|---------------------|
//	sign    machine      thread        local id
package idcodec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Field widths of the packed layout.
const (
	MachineIDBits = 16
	ThrdIDBits    = 8
	LocalIDBits   = 39

	localShift   = 0
	thrdShift    = LocalIDBits
	machineShift = LocalIDBits + ThrdIDBits

	MaxMachineID = 1<<MachineIDBits - 1
	MaxThrdID    = 1<<ThrdIDBits - 1
	MaxLocalID   = 1<<LocalIDBits - 1
)

// ErrFieldOverflow is returned when a field does not fit into its width.
var ErrFieldOverflow = errors.New("idcodec: field overflows its bit width")

// FieldOverflowError names the offending field.
type FieldOverflowError struct {
	Field string
	Value int64
	Bits  int
}

func (e *FieldOverflowError) Error() string {
	return fmt.Sprintf("idcodec: %s=%d does not fit in %d bits", e.Field, e.Value, e.Bits)
}

func (e *FieldOverflowError) Unwrap() error {
	return ErrFieldOverflow
}

// ID is a packed global identifier. Task ids and actor ids share it.
type ID int64

// Encode packs the three fields. Negative values are rejected as well as
// values wider than their field.
func Encode(machineID, thrdID, localID int64) (ID, error) {
	if err := checkField("machine_id", machineID, MachineIDBits); err != nil {
		return 0, err
	}
	if err := checkField("thrd_id", thrdID, ThrdIDBits); err != nil {
		return 0, err
	}
	if err := checkField("local_id", localID, LocalIDBits); err != nil {
		return 0, err
	}
	return ID(machineID<<machineShift | thrdID<<thrdShift | localID<<localShift), nil
}

// MustEncode is Encode for callers that already validated their input.
func MustEncode(machineID, thrdID, localID int64) ID {
	id, err := Encode(machineID, thrdID, localID)
	if err != nil {
		panic(err)
	}
	return id
}

func checkField(name string, v int64, bits int) error {
	if v < 0 || v >= 1<<bits {
		return &FieldOverflowError{Field: name, Value: v, Bits: bits}
	}
	return nil
}

// MachineID returns bits [47, 63).
func (id ID) MachineID() int64 {
	return int64(id) >> machineShift & MaxMachineID
}

// ThrdID returns bits [39, 47).
func (id ID) ThrdID() int64 {
	return int64(id) >> thrdShift & MaxThrdID
}

// LocalID returns bits [0, 39).
func (id ID) LocalID() int64 {
	return int64(id) & MaxLocalID
}

// Prefix clears the local id, leaving the machine+thread key.
func (id ID) Prefix() ID {
	return id &^ MaxLocalID
}

// Int64 returns the raw value.
func (id ID) Int64() int64 {
	return int64(id)
}

// String renders "machine:thrd:local".
func (id ID) String() string {
	return fmt.Sprintf("%d:%d:%d", id.MachineID(), id.ThrdID(), id.LocalID())
}

// Parse accepts a decimal or 0x-prefixed integer, or the "machine:thrd:local"
// form produced by String.
func Parse(s string) (ID, error) {
	s = strings.TrimSpace(s)
	if parts := strings.Split(s, ":"); len(parts) == 3 {
		var fields [3]int64
		for i, p := range parts {
			v, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("idcodec: parse %q: %w", s, err)
			}
			fields[i] = v
		}
		return Encode(fields[0], fields[1], fields[2])
	}

	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("idcodec: parse %q: %w", s, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("idcodec: parse %q: sign bit set", s)
	}
	return ID(v), nil
}
