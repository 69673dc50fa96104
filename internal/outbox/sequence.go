package outbox

import "sync/atomic"

// sequencer hands out increasing entry numbers for the in-memory store.
type sequencer struct{ n atomic.Uint64 }

func (s *sequencer) next() uint64 { return s.n.Add(1) }
