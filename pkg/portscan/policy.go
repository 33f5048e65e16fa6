package portscan

import (
	"fmt"
	"net"
	"strings"

	"github.com/kvesta/vigil/pkg/model"
)

// TargetPolicy decides whether an address may be probed.
type TargetPolicy func(ip net.IP) error

// DenyLocal rejects loopback, link-local, unspecified and multicast
// addresses.
func DenyLocal(ip net.IP) error {
	switch {
	case ip == nil:
		return model.NewError(model.ForbiddenTargetError, "policy", fmt.Errorf("empty address"))
	case ip.IsLoopback():
		return model.NewError(model.ForbiddenTargetError, "policy", fmt.Errorf("%s is a loopback address", ip))
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return model.NewError(model.ForbiddenTargetError, "policy", fmt.Errorf("%s is a link-local address", ip))
	case ip.IsUnspecified():
		return model.NewError(model.ForbiddenTargetError, "policy", fmt.Errorf("%s is unspecified", ip))
	case ip.IsMulticast():
		return model.NewError(model.ForbiddenTargetError, "policy", fmt.Errorf("%s is a multicast address", ip))
	}
	return nil
}

// checkLiteral applies the policy to targets that are rejected without
// resolving them.
func checkLiteral(host string, policy TargetPolicy) error {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if ip := net.ParseIP(strings.Trim(h, "[]")); ip != nil {
		return policy(ip)
	}
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return policy(net.IPv6loopback)
	}
	return nil
}
