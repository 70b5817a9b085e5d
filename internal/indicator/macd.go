package indicator

import "strconv"

// MACD is EMA(fast) - EMA(slow) with an EMA(signal) of that line.
// Value returns the histogram (line - signal).
type MACD struct {
	fast, slow   *EMA
	signal       *EMA
	fp, sp, sigp int
	line         float64
}

// NewMACD creates a MACD indicator, typically (12, 26, 9).
func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{
		fast:   NewEMA(fast),
		slow:   NewEMA(slow),
		signal: NewEMA(signal),
		fp:     fast,
		sp:     slow,
		sigp:   signal,
	}
}

func (m *MACD) Name() string {
	return "MACD_" + strconv.Itoa(m.fp) + "_" + strconv.Itoa(m.sp) + "_" + strconv.Itoa(m.sigp)
}

func (m *MACD) Update(price float64) {
	m.fast.Update(price)
	m.slow.Update(price)
	if !m.fast.Ready() || !m.slow.Ready() {
		return
	}
	m.line = m.fast.Value() - m.slow.Value()
	m.signal.Update(m.line)
}

// Line returns the MACD line.
func (m *MACD) Line() float64 { return m.line }

// Signal returns the signal line.
func (m *MACD) Signal() float64 { return m.signal.Value() }

func (m *MACD) Value() float64 {
	if !m.Ready() {
		return 0
	}
	return m.line - m.signal.Value()
}

func (m *MACD) Ready() bool { return m.signal.Ready() }
