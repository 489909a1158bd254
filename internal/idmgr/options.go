package idmgr

import (
	"github.com/sirupsen/logrus"

	"github.com/ChuLiYu/idmgr/pkg/types"
)

// Observer is notified of every successful allocation and every refused one.
// metrics.Collector implements it.
type Observer interface {
	TaskIDIssued(machineID, thrdID int64)
	ThrdIDAllocated(role types.ThrdRole)
	RegstDescIDIssued()
	AllocationFailed(reason string)
}

type nopObserver struct{}

func (nopObserver) TaskIDIssued(int64, int64) {}
func (nopObserver) ThrdIDAllocated(types.ThrdRole) {}
func (nopObserver) RegstDescIDIssued() {}
func (nopObserver) AllocationFailed(string) {}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger replaces the default logrus entry.
func WithLogger(log *logrus.Entry) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithObserver attaches an allocation observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observer = o
		}
	}
}
