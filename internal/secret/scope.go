package secret

// Scope tracks every buffer acquired during one call. A single deferred Close
// wipes all of them on every exit path, in reverse acquisition order.
//
//	var s secret.Scope
//	defer s.Close()
//	key := s.NewFull(32)
type Scope struct {
	buffers []*Buffer
}

func (s *Scope) New(capacity int) *Buffer {
	return s.Adopt(New(capacity))
}

func (s *Scope) NewFull(size int) *Buffer {
	return s.Adopt(NewFull(size))
}

// Adopt takes ownership of a buffer produced elsewhere, for example by a
// pepper provider. Nil buffers are ignored.
func (s *Scope) Adopt(b *Buffer) *Buffer {
	if b != nil {
		s.buffers = append(s.buffers, b)
	}
	return b
}

// Release destroys one buffer before the scope ends, for secrets whose last
// consumer has already run.
func (s *Scope) Release(b *Buffer) {
	b.Destroy()
}

func (s *Scope) Close() {
	for i := len(s.buffers) - 1; i >= 0; i-- {
		s.buffers[i].Destroy()
	}
	s.buffers = nil
}
