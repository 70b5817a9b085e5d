package indicator

import "strconv"

// EMA is an exponential moving average seeded with the SMA of the first
// period closes.
type EMA struct {
	period int
	avg    seeded
}

// NewEMA creates an EMA over period closes.
func NewEMA(period int) *EMA {
	return &EMA{period: period, avg: newSeeded(period, 2/float64(period+1))}
}

func (e *EMA) Name() string { return "EMA_" + strconv.Itoa(e.period) }

func (e *EMA) Update(price float64) { e.avg.add(price) }

func (e *EMA) Value() float64 { return e.avg.value() }
func (e *EMA) Ready() bool    { return e.avg.ready() }
