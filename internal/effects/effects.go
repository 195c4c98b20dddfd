// Package effects holds the master bus processors applied after the column
// mix.
package effects

// Effector processes an interleaved buffer in place.
type Effector interface {
	Process(buf []float32, channels int)
	Reset()
}

// Chain applies a sequence of effects in order.
type Chain struct {
	effects []Effector
}

func NewChain(effects ...Effector) *Chain {
	return &Chain{effects: effects}
}

func (c *Chain) Process(buf []float32, channels int) {
	for _, e := range c.effects {
		e.Process(buf, channels)
	}
}

func (c *Chain) Reset() {
	for _, e := range c.effects {
		e.Reset()
	}
}

func (c *Chain) Add(e Effector) {
	c.effects = append(c.effects, e)
}
