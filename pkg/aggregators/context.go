package aggregators

import "time"

type AggregatorConfig struct {
	MaxHistory   int
	FlushTimeout time.Duration
}

type Aggregator interface {
	Configure(cfg AggregatorConfig) error
	AddToken(tok string)
	Flush() string
}
