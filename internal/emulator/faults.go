package emulator

import (
	"net/http"
	"time"

	"github.com/darmiel/cirrus/internal/emulator/presenter"
)

// Operation names an endpoint faults can be injected into.
type Operation string

const (
	OpCreate   Operation = "create"
	OpGenerate Operation = "generate"
	OpDelete   Operation = "delete"
	OpCall     Operation = "call"
)

// Fault replaces the next Times responses of an operation with an error.
// A fault with only a Delay slows the request down and lets it through.
type Fault struct {
	Status  int
	Message string
	Delay   time.Duration
	Times   int
}

// InjectFault queues f for op. Faults of one operation apply in order.
func (s *Server) InjectFault(op Operation, f Fault) {
	if f.Times <= 0 {
		f.Times = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], f)
}

// ClearFaults removes all queued faults.
func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.faults)
}

// begin counts a request of op and returns the fault to apply, if any.
func (s *Server) begin(op Operation) (Fault, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[op]++

	queue := s.faults[op]
	if len(queue) == 0 {
		return Fault{}, false
	}
	f := queue[0]
	queue[0].Times--
	if queue[0].Times <= 0 {
		s.faults[op] = queue[1:]
	}
	return f, true
}

// applyFault runs the fault for op and reports whether the request was answered.
func (s *Server) applyFault(w http.ResponseWriter, r *http.Request, op Operation) bool {
	f, ok := s.begin(op)
	if !ok {
		return false
	}
	if f.Delay > 0 {
		t := time.NewTimer(f.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-r.Context().Done():
			return true
		}
	}
	if f.Status == 0 {
		return false
	}
	msg := f.Message
	if msg == "" {
		msg = http.StatusText(f.Status)
	}
	presenter.Error(w, r, msg, f.Status)
	return true
}
