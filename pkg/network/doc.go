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

// Package network provides the host networking pieces of a PXE server setup.
//
// The package includes:
//
//   - ListInterfaces / PrimaryIPv4: a snapshot of the host interfaces that are
//     up and running, and the first IPv4 address bound to one of them.
//   - DerivePrefix: the /24 network prefix of an IPv4 address, used to build
//     the DHCP range.
//   - DnsmasqConfig: the dnsmasq DHCP/TFTP configuration served to PXE clients.
//
// # Example Usage
//
//	ifaces, err := network.ListInterfaces()
//	if err != nil {
//	    // handle error
//	}
//
//	iface, ok := network.FindInterface(ifaces, "eth0")
//	if !ok {
//	    // interface is down or does not exist
//	}
//
//	ip := network.PrimaryIPv4(iface) // "192.168.1.10" or network.NoAddress
//	conf := network.RenderDHCPConfig(iface.Name, network.DerivePrefix(ip))
//
// None of the functions in this package validate their input. Malformed
// interface names or addresses are embedded verbatim in the rendered
// configuration, and DerivePrefix silently falls back to DefaultPrefix.
package network
