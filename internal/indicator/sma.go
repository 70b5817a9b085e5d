package indicator

import "strconv"

// SMA is the mean of the last period closes.
type SMA struct {
	period int
	window []float64 // ring of the last period closes
	next   int
	seen   int
	sum    float64
}

// NewSMA creates an SMA over period closes.
func NewSMA(period int) *SMA {
	return &SMA{period: period, window: make([]float64, period)}
}

func (s *SMA) Name() string { return "SMA_" + strconv.Itoa(s.period) }

func (s *SMA) Update(price float64) {
	s.sum += price - s.window[s.next]
	s.window[s.next] = price
	s.next = (s.next + 1) % s.period
	s.seen++
}

func (s *SMA) Value() float64 {
	if !s.Ready() {
		return 0
	}
	return s.sum / float64(s.period)
}

func (s *SMA) Ready() bool { return s.seen >= s.period }
