package peerrpc

import (
	"math/big"
)

var NewInboundStream = newInboundStream

func SeedIDGenerator(g *SequentialIDGenerator, next *big.Int) {
	g.mu.Lock()
	g.next.Set(next)
	g.mu.Unlock()
}

func PendingCount(c *Client) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func ActiveCount(s *Server) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func Deliver(s *inboundStream, ev *StreamEvent) (bool, error) {
	return s.deliver(ev)
}

func StreamPipe(s *inboundStream) *Pipe {
	return s.pipe
}

var PumpEvents = pumpEvents
