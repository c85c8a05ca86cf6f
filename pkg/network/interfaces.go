// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package network

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
)

// NoAddress is returned by PrimaryIPv4 for an interface without IPv4 address.
const NoAddress = "No IP Address"

var (
	ErrListInterfaces = errors.New("failed to list network interfaces")
	ErrListAddresses  = errors.New("failed to list interface addresses")
)

// NetworkInterface is a read-only snapshot of a host interface.
type NetworkInterface struct {
	Name      string
	Index     int
	Flags     net.Flags
	Addresses []netip.Addr
}

// ListInterfaces returns the host interfaces that are up and running, in the
// order reported by the host.
func ListInterfaces() ([]NetworkInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListInterfaces, err)
	}

	return snapshot(ifaces, func(iface net.Interface) ([]net.Addr, error) {
		return iface.Addrs()
	})
}

func snapshot(ifaces []net.Interface, addrsOf func(net.Interface) ([]net.Addr, error)) ([]NetworkInterface, error) {
	out := make([]NetworkInterface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagRunning == 0 {
			continue
		}

		addrs, err := addrsOf(iface)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrListAddresses, iface.Name, err)
		}

		ni := NetworkInterface{
			Name:      iface.Name,
			Index:     iface.Index,
			Flags:     iface.Flags,
			Addresses: make([]netip.Addr, 0, len(addrs)),
		}
		for _, a := range addrs {
			if addr, ok := toAddr(a); ok {
				ni.Addresses = append(ni.Addresses, addr)
			}
		}
		out = append(out, ni)
	}
	return out, nil
}

func toAddr(a net.Addr) (netip.Addr, bool) {
	var ip net.IP
	switch v := a.(type) {
	case *net.IPNet:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	default:
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// PrimaryIPv4 returns the first IPv4 address bound to iface, or NoAddress.
func PrimaryIPv4(iface NetworkInterface) string {
	for _, addr := range iface.Addresses {
		if addr.Is4() {
			return addr.String()
		}
	}
	return NoAddress
}

// FindInterface looks up an interface by name.
func FindInterface(ifaces []NetworkInterface, name string) (NetworkInterface, bool) {
	for _, iface := range ifaces {
		if iface.Name == name {
			return iface, true
		}
	}
	return NetworkInterface{}, false
}
