package server

import (
	"sync"

	"github.com/theflyingcodr/relay"
)

// channel is a set of connections, the lock serialises membership changes
// against fan-out so a member removed from the set never receives a later frame.
type channel struct {
	id    string
	conns map[string]relay.Conn
	sync.Mutex
}

func newChannel(id string) *channel {
	return &channel{
		id:    id,
		conns: make(map[string]relay.Conn),
	}
}

func (c *channel) add(conn relay.Conn) int {
	c.Lock()
	defer c.Unlock()
	c.conns[conn.ID()] = conn
	return len(c.conns)
}

func (c *channel) remove(clientID string) int {
	c.Lock()
	defer c.Unlock()
	delete(c.conns, clientID)
	return len(c.conns)
}

func (c *channel) size() int {
	c.Lock()
	defer c.Unlock()
	return len(c.conns)
}

func (c *channel) snapshot() []relay.Conn {
	c.Lock()
	defer c.Unlock()
	conns := make([]relay.Conn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	return conns
}

type fanout struct {
	delivered int
	skipped   int
	failed    map[string]error
}

// broadcast queues f on every open member other than senderID.
// Send must not block, the lock is held for the whole loop.
func (c *channel) broadcast(senderID string, f relay.Frame) fanout {
	c.Lock()
	defer c.Unlock()
	var res fanout
	for id, conn := range c.conns {
		if id == senderID {
			continue
		}
		if conn.State() != relay.StateOpen {
			res.skipped++
			continue
		}
		if err := conn.Send(f); err != nil {
			if res.failed == nil {
				res.failed = make(map[string]error)
			}
			res.failed[id] = err
			continue
		}
		res.delivered++
	}
	return res
}
