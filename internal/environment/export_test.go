package environment

import "time"

// SetClock replaces the service clock.
func SetClock(s *Service, now func() time.Time) {
	s.now = now
}

// SetPasswordGenerator replaces the credential generator.
func SetPasswordGenerator(s *Service, gen func() (string, error)) {
	s.genPassword = gen
}

// SetReaperClock replaces the reaper clock.
func SetReaperClock(r *Reaper, now func() time.Time) {
	r.now = now
}
