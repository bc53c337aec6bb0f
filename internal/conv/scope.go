package conv

import "errors"

type release struct {
	call     string
	location string
	fn       func() error
}

// Scope owns the resources a run creates. Releases registered with Defer run
// in reverse registration order when the scope closes, each exactly once.
type Scope struct {
	releases []release
	closed   bool
}

// Defer registers fn to release a resource. call names the release API and
// is reported if fn fails.
func (s *Scope) Defer(call string, fn func() error) {
	s.releases = append(s.releases, release{call: call, location: caller(2), fn: fn})
}

// Len reports how many releases are pending.
func (s *Scope) Len() int {
	return len(s.releases)
}

// Close runs every pending release, newest first. A failed release does not
// stop the ones after it; all failures are joined as ErrRelease step errors.
func (s *Scope) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for i := len(s.releases) - 1; i >= 0; i-- {
		r := s.releases[i]
		if err := r.fn(); err != nil {
			errs = append(errs, &StepError{Kind: ErrRelease, Call: r.call, Location: r.location, Err: err})
		}
	}
	s.releases = nil
	return errors.Join(errs...)
}
