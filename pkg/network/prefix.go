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

import "regexp"

// DefaultPrefix is returned by DerivePrefix when the address is not a
// dotted-quad.
const DefaultPrefix = "192.168.1"

var dottedQuad = regexp.MustCompile(`^(\d+\.\d+\.\d+)\.\d+$`)

// DerivePrefix returns "A.B.C" for an address of the form "A.B.C.D".
// Any other input, including IPv6 addresses and NoAddress, yields
// DefaultPrefix. Octet values are not range-checked.
func DerivePrefix(ipv4 string) string {
	m := dottedQuad.FindStringSubmatch(ipv4)
	if m == nil {
		return DefaultPrefix
	}
	return m[1]
}
