package indicator

import "strconv"

// RSI is the Relative Strength Index with Wilder smoothing of gains and
// losses. It needs period+1 closes.
type RSI struct {
	period     int
	prev       float64
	started    bool
	gain, loss seeded
}

// NewRSI creates an RSI, typically RSI(14).
func NewRSI(period int) *RSI {
	alpha := 1 / float64(period)
	return &RSI{period: period, gain: newSeeded(period, alpha), loss: newSeeded(period, alpha)}
}

func (r *RSI) Name() string { return "RSI_" + strconv.Itoa(r.period) }

func (r *RSI) Update(price float64) {
	if !r.started {
		r.prev, r.started = price, true
		return
	}
	delta := price - r.prev
	r.prev = price
	r.gain.add(max(delta, 0))
	r.loss.add(max(-delta, 0))
}

func (r *RSI) Value() float64 {
	if !r.Ready() {
		return 0
	}
	g, l := r.gain.value(), r.loss.value()
	if l == 0 {
		return 100
	}
	return 100 - 100/(1+g/l)
}

func (r *RSI) Ready() bool { return r.gain.ready() }
