package indicator

// seeded is an exponential average whose first value is the simple mean
// of the first period inputs. EMA uses alpha 2/(p+1), Wilder 1/p.
type seeded struct {
	period int
	alpha  float64
	n      int
	val    float64
}

func newSeeded(period int, alpha float64) seeded {
	return seeded{period: period, alpha: alpha}
}

// add feeds x and reports whether the average is seeded.
func (s *seeded) add(x float64) bool {
	s.n++
	switch {
	case s.n < s.period:
		s.val += x
		return false
	case s.n == s.period:
		s.val = (s.val + x) / float64(s.period)
	default:
		s.val += s.alpha * (x - s.val)
	}
	return true
}

func (s *seeded) ready() bool { return s.n >= s.period }

// value is 0 until the seed is complete.
func (s *seeded) value() float64 {
	if !s.ready() {
		return 0
	}
	return s.val
}
