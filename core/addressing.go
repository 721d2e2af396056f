package core

import (
	"fmt"
	"net/netip"
)

// maxLinks is the number of /30 blocks that fit in 10.0.0.0/16.
const maxLinks = 256 * 64

// subnetAllocator hands out point-to-point /30 subnets from 10.0.0.0/16 in
// creation order: block i is 10.0.<i/64>.<(i%64)*4>/30, side A takes .1
// and side B takes .2.
type subnetAllocator struct {
	next int
}

func (s *subnetAllocator) allocate() (a, b netip.Prefix, err error) {
	if s.next >= maxLinks {
		return netip.Prefix{}, netip.Prefix{}, fmt.Errorf("address space exhausted after %d links", maxLinks)
	}
	i := s.next
	s.next++
	third := byte(i / 64)
	fourth := byte((i % 64) * 4)
	a = netip.PrefixFrom(netip.AddrFrom4([4]byte{10, 0, third, fourth + 1}), 30)
	b = netip.PrefixFrom(netip.AddrFrom4([4]byte{10, 0, third, fourth + 2}), 30)
	return a, b, nil
}

// interfaceNamer numbers interfaces per node in creation order.
type interfaceNamer map[string]int

func (n interfaceNamer) next(node string) string {
	i := n[node]
	n[node] = i + 1
	return fmt.Sprintf("%s-eth%d", node, i)
}
