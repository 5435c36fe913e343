// Package nonlocking implements HiCR's variable-size multi-producer/
// single-consumer channel in its non-locking variant: each producer owns a
// private variable-size SPSC shard, and the consumer fans the shards in
// with round-robin fairness. It mirrors
// channel/fixedsize/mpsc/nonlocking's shard-and-fan-in shape, generalized
// to variable-size tokens.
package nonlocking

import (
	"sync/atomic"

	"github.com/hicr-go/hicr/channel"
	"github.com/hicr-go/hicr/channel/variablesize/spsc"
	"github.com/hicr-go/hicr/core/herr"
)

// Producer is byte-for-byte the variable-size SPSC producer: its shard is
// private, so it needs no multi-producer awareness of its own.
type Producer = spsc.Producer

// NewProducer builds a producer for one shard. See spsc.NewProducer for
// the parameter contract.
var NewProducer = spsc.NewProducer

// Consumer fans in a fixed set of per-producer variable-size SPSC shards,
// round-robin.
type Consumer struct {
	shards    []*spsc.Consumer
	next      atomic.Uint64
	lifecycle channel.Lifecycle
}

// NewConsumer builds a Consumer over one already-constructed
// variable-size SPSC consumer per producer shard.
func NewConsumer(shards []*spsc.Consumer) (*Consumer, error) {
	const op = "nonlocking.NewConsumer"
	if len(shards) == 0 {
		return nil, herr.New(herr.InvalidArgument, op, "at least one shard is required")
	}
	for i, s := range shards {
		if s == nil {
			return nil, herr.New(herr.InvalidArgument, op, "shard must not be nil").WithContext("shard", i)
		}
	}

	c := &Consumer{shards: shards}
	c.lifecycle.Transition(channel.Configured)
	c.lifecycle.Transition(channel.Exchanged)
	c.lifecycle.Transition(channel.Active)
	return c, nil
}

// ShardCount returns the number of producer shards this consumer fans in.
func (c *Consumer) ShardCount() int { return len(c.shards) }

// Peek scans shards starting at the fairness cursor and returns the first
// non-empty one's oldest token, along with its shard index for a matching
// Pop call. ok is false if every shard is currently empty.
func (c *Consumer) Peek() (token []byte, shardIndex int, ok bool, err error) {
	const op = "nonlocking.Consumer.Peek"
	c.lifecycle.RequireActive(op)

	n := len(c.shards)
	start := int(c.next.Load() % uint64(n))
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		token, ok, err := c.shards[idx].Peek()
		if err != nil {
			return nil, -1, false, err
		}
		if ok {
			return token, idx, true, nil
		}
	}
	return nil, -1, false, nil
}

// Pop advances past the oldest token of the given shard (as returned by
// Peek) and moves the fairness cursor to the next shard.
func (c *Consumer) Pop(shardIndex int) (bool, error) {
	const op = "nonlocking.Consumer.Pop"
	c.lifecycle.RequireActive(op)

	if shardIndex < 0 || shardIndex >= len(c.shards) {
		return false, herr.New(herr.InvalidArgument, op, "shard index out of range").WithContext("shard", shardIndex)
	}
	popped, err := c.shards[shardIndex].Pop()
	if err != nil {
		return false, err
	}
	if popped {
		c.next.Store(uint64((shardIndex + 1) % len(c.shards)))
	}
	return popped, nil
}
