package kafkaingest

import (
	"sort"

	"github.com/segmentio/kafka-go"
)

type pending struct {
	msg  kafka.Message
	done bool
}

// offsets tracks fetched messages per partition in fetch order.
type offsets struct {
	parts map[int][]*pending
}

func newOffsets() *offsets {
	return &offsets{parts: make(map[int][]*pending)}
}

func (o *offsets) add(msg kafka.Message) *pending {
	p := &pending{msg: msg}
	o.parts[msg.Partition] = append(o.parts[msg.Partition], p)
	return p
}

// ready drops the finished prefix of every partition and returns the last
// message of each dropped prefix, ordered by partition.
func (o *offsets) ready() []kafka.Message {
	var out []kafka.Message
	for part, queue := range o.parts {
		n := 0
		for n < len(queue) && queue[n].done {
			n++
		}
		if n == 0 {
			continue
		}
		out = append(out, queue[n-1].msg)
		o.parts[part] = queue[n:]
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// pendingCount returns the number of uncommitted messages.
func (o *offsets) pendingCount() int {
	n := 0
	for _, q := range o.parts {
		n += len(q)
	}
	return n
}
