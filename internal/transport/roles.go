/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package transport

import (
	"fmt"
	"strings"
)

// Role is how a port takes part in moving a buffer.
type Role uint8

const (
	// ActiveMessage pushes data and the full flag to the consumer.
	ActiveMessage Role = iota
	// ActiveFlowControl pushes the empty flag back to the producer.
	ActiveFlowControl
	// ActiveOnly pulls data from a passive producer.
	ActiveOnly
	// Passive only sets flags in its own memory.
	Passive

	MaxRole
	NoRole Role = 0xff
)

var roleNames = [...]string{"ActiveMessage", "ActiveFlowControl", "ActiveOnly", "Passive"}

func (r Role) String() string {
	if r < MaxRole {
		return roleNames[r]
	}
	return "NoRole"
}

// ParseRole parses a role name, case insensitively.
func ParseRole(s string) (Role, error) {
	for i, n := range roleNames {
		if strings.EqualFold(n, s) {
			return Role(i), nil
		}
	}
	return NoRole, fmt.Errorf("unknown role %q", s)
}

// RoleOption is a port options word. The low bits are the set of roles the
// port supports, one bit per Role; the rest are the flags below.
type RoleOption uint32

const (
	MandatedRole   RoleOption = 1 << (iota + 4) // only the preferred role is acceptable
	FlagIsMeta                                  // the full flag carries the packed metadata word
	FlagIsCounting                              // the full flag counts rather than toggles
	ZeroCopy                                    // consumer may borrow the producer's buffer

	roleMask RoleOption = 1<<MaxRole - 1
)

// Supports returns the option word with r added to the supported roles.
func Supports(roles ...Role) RoleOption {
	var o RoleOption
	for _, r := range roles {
		o |= 1 << r
	}
	return o
}

// Has reports whether r is a supported role. An option word with no role
// bits supports every role.
func (o RoleOption) Has(r Role) bool {
	if r >= MaxRole {
		return false
	}
	return o&roleMask == 0 || o&(1<<r) != 0
}

// RoleOffer is what one side of a connection brings to role negotiation.
type RoleOffer struct {
	Preferred Role
	Options   RoleOption
}

func (o RoleOffer) accepts(r Role) bool {
	if o.Options&MandatedRole != 0 {
		return r == o.Preferred
	}
	return o.Options.Has(r)
}

// RolePreference ranks roles, best first.
type RolePreference []Role

// DefaultRolePreference favours pushing data, then pulling.
var DefaultRolePreference = RolePreference{ActiveMessage, ActiveFlowControl, ActiveOnly, Passive}

// ParseRolePreference converts configured role names.
func ParseRolePreference(names []string) (RolePreference, error) {
	if len(names) == 0 {
		return DefaultRolePreference, nil
	}
	pref := make(RolePreference, 0, len(names))
	for _, n := range names {
		r, err := ParseRole(n)
		if err != nil {
			return nil, err
		}
		pref = append(pref, r)
	}
	return pref, nil
}

func (p RolePreference) rank(r Role) int {
	for i, x := range p {
		if x == r {
			return i
		}
	}
	return len(p) + int(r)
}

// rolePairs are the working output/input combinations. The producer pushes
// in the first and the consumer pulls in the second.
var rolePairs = [...][2]Role{
	{ActiveMessage, ActiveFlowControl},
	{Passive, ActiveOnly},
}

// NegotiateRoles picks the output and input roles of a connection. Among
// the pairs both sides accept it takes the lowest summed rank; a tie goes
// to the pair whose output role ranks better.
func NegotiateRoles(out, in RoleOffer, pref RolePreference) (Role, Role, error) {
	return negotiate(out, in, pref, true)
}

func negotiate(out, in RoleOffer, pref RolePreference, pull bool) (Role, Role, error) {
	if len(pref) == 0 {
		pref = DefaultRolePreference
	}
	best := -1
	bestSum, bestOut := 0, 0
	for i, p := range rolePairs {
		if !out.accepts(p[0]) || !in.accepts(p[1]) || (!pull && p[0] == Passive) {
			continue
		}
		sum, ro := pref.rank(p[0])+pref.rank(p[1]), pref.rank(p[0])
		if best < 0 || sum < bestSum || (sum == bestSum && ro < bestOut) {
			best, bestSum, bestOut = i, sum, ro
		}
	}
	if best < 0 {
		return NoRole, NoRole, fmt.Errorf("%w: output offers %s, input offers %s",
			ErrNoCompatibleRole, out, in)
	}
	return rolePairs[best][0], rolePairs[best][1], nil
}

func (o RoleOffer) String() string {
	var roles []string
	for r := Role(0); r < MaxRole; r++ {
		if o.accepts(r) {
			roles = append(roles, r.String())
		}
	}
	s := strings.Join(roles, "|")
	if o.Options&MandatedRole != 0 {
		s += " (mandated)"
	}
	return s
}
