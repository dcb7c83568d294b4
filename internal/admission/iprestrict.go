package admission

import (
	"fmt"
	"net"
	"strings"

	"github.com/YuzuZensai/TrollSSH/internal/logutil"
)

// IPRestrictedError is returned by CheckAllowed when an address is outside
// the configured allow list.
type IPRestrictedError struct {
	Address string
	Reason  string
}

func (e *IPRestrictedError) Error() string {
	return fmt.Sprintf("connection from %s blocked: %s", logutil.SanitizeForLog(e.Address), e.Reason)
}

// ParseAllowedIPs parses a comma-separated list of IPs and CIDR ranges.
// Single IPs become /32 (IPv4) or /128 (IPv6) networks. Empty input returns
// nil, which allows everything.
func ParseAllowedIPs(allowList string) ([]*net.IPNet, error) {
	allowList = strings.TrimSpace(allowList)
	if allowList == "" {
		return nil, nil
	}

	var networks []*net.IPNet
	for _, part := range strings.Split(allowList, ",") {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			networks = append(networks, network)
			continue
		}

		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		mask := net.CIDRMask(128, 128)
		if ip.To4() != nil {
			mask = net.CIDRMask(32, 32)
		}
		networks = append(networks, &net.IPNet{IP: ip.Mask(mask), Mask: mask})
	}

	return networks, nil
}

// CheckAllowed verifies address against the controller's allow list.
func (c *Controller) CheckAllowed(address string) error {
	if len(c.allow) == 0 {
		return nil
	}

	ip := net.ParseIP(strings.TrimSpace(address))
	if ip == nil {
		return &IPRestrictedError{Address: address, Reason: "unparseable source IP"}
	}
	for _, network := range c.allow {
		if network.Contains(ip) {
			return nil
		}
	}
	return &IPRestrictedError{Address: address, Reason: "not in the allowed list"}
}
