package config

import (
	"fmt"

	"github.com/aponysus/ferry/bridge"
	"github.com/aponysus/ferry/pool"
)

// BridgeOptions converts the pool section into ExecutionContext options.
func (pc PoolConfig) BridgeOptions() ([]bridge.Option, error) {
	submit, err := pool.ParseSubmitMode(pc.Submit)
	if err != nil {
		return nil, fmt.Errorf("pool.submit: %w", err)
	}
	shutdown, err := pool.ParseShutdownMode(pc.Shutdown)
	if err != nil {
		return nil, fmt.Errorf("pool.shutdown: %w", err)
	}
	return []bridge.Option{
		bridge.WithPoolSize(pc.Size),
		bridge.WithQueueSize(pc.QueueSize),
		bridge.WithSubmitMode(submit),
		bridge.WithShutdownMode(shutdown),
	}, nil
}
