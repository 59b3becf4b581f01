package orchestrator

import (
	"sync"
	"sync/atomic"

	"dockyard/internal/model"
)

// Admission is a granted execution slot. Release is idempotent.
type Admission interface {
	Release()
}

// AdmissionPolicy decides whether a new job may be submitted.
type AdmissionPolicy interface {
	Acquire() (Admission, error)
	Busy() bool
}

// SingleFlight admits one job at a time across the process.
type SingleFlight struct {
	held atomic.Bool
}

var _ AdmissionPolicy = (*SingleFlight)(nil)

func NewSingleFlight() *SingleFlight {
	return &SingleFlight{}
}

func (s *SingleFlight) Acquire() (Admission, error) {
	if !s.held.CompareAndSwap(false, true) {
		return nil, model.NewError(model.KindServiceUnavailable, "orchestrator is busy running another job")
	}
	return &singleFlightAdmission{owner: s}, nil
}

func (s *SingleFlight) Busy() bool {
	return s.held.Load()
}

type singleFlightAdmission struct {
	owner *SingleFlight
	once  sync.Once
}

func (a *singleFlightAdmission) Release() {
	a.once.Do(func() {
		a.owner.held.Store(false)
	})
}
