package util

import (
	"fmt"
	"net"
	"strings"
)

// BindIface returns the address of ifaceName to use as probe source. Global
// addresses win over link-local ones, ipv6 selects the family.
func BindIface(ifaceName string, ipv6 bool) (addr string, err error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return
	}
	if !IsUp(iface) {
		err = fmt.Errorf("interface %s is down", ifaceName)
		return
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return
	}
	return pickAddr(ifaceName, addrs, ipv6)
}

func pickAddr(ifaceName string, addrs []net.Addr, ipv6 bool) (addr string, err error) {
	for _, a := range addrs {
		ip, _, perr := net.ParseCIDR(a.String())
		if perr != nil {
			continue
		}
		if ipv6 != IsIPv6(ip.String()) {
			continue
		}
		addr = ip.String()
		if strings.HasPrefix(addr, "fe80::") { // Prefer global addresses
			continue
		}
		break
	}
	if addr == "" {
		err = fmt.Errorf("interface %s has no usable address", ifaceName)
	}

	return
}

func IsIPv6(address string) bool {
	return strings.Count(address, ":") >= 2
}

func IsUp(nif *net.Interface) bool { return nif.Flags&net.FlagUp != 0 }
