// Package admission caps the number of concurrent sessions per client address.
//
// A [Controller] is shared by every connection the server accepts. The server
// calls [Controller.Admit] before the SSH handshake and [Controller.Release]
// exactly once when the session ends. Release is floored at zero, so a
// duplicate release (stream close racing a transport error) never frees a
// slot that another session still holds.
//
// An optional allow list of IPs and CIDR ranges ([ParseAllowedIPs]) is checked
// before any counting happens.
package admission

import (
	"net"
	"sort"
	"sync"
)

// Controller tracks active sessions per client address.
type Controller struct {
	mu     sync.Mutex
	max    int
	counts map[string]int
	allow  []*net.IPNet
}

// NewController creates a Controller admitting at most maxPerAddress
// concurrent sessions for each address. allow may be nil (allow all).
func NewController(maxPerAddress int, allow []*net.IPNet) *Controller {
	return &Controller{
		max:    maxPerAddress,
		counts: make(map[string]int),
		allow:  allow,
	}
}

// Admit takes a slot for address. It returns false, leaving the table
// untouched, when address already holds the maximum number of sessions.
func (c *Controller) Admit(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := c.counts[address]
	if count >= c.max {
		return false
	}
	c.counts[address] = count + 1
	return true
}

// Release frees a slot for address. Releasing an address with no active
// sessions is a no-op.
func (c *Controller) Release(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	count, ok := c.counts[address]
	if !ok {
		return
	}
	if count <= 1 {
		delete(c.counts, address)
		return
	}
	c.counts[address] = count - 1
}

// Active returns the number of sessions currently held by address.
func (c *Controller) Active(address string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[address]
}

// Max returns the per-address session cap.
func (c *Controller) Max() int {
	return c.max
}

// AddressCount is one row of the admission table.
type AddressCount struct {
	Address string `json:"address"`
	Active  int    `json:"active"`
}

// Snapshot returns a copy of the admission table sorted by address.
func (c *Controller) Snapshot() []AddressCount {
	c.mu.Lock()
	rows := make([]AddressCount, 0, len(c.counts))
	for addr, n := range c.counts {
		rows = append(rows, AddressCount{Address: addr, Active: n})
	}
	c.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].Address < rows[j].Address })
	return rows
}

// Total returns the number of active sessions across all addresses.
func (c *Controller) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.counts {
		total += n
	}
	return total
}

// HostOf returns the IP part of a remote address, which is what the
// admission table is keyed by. Addresses without a port are returned as-is.
func HostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
