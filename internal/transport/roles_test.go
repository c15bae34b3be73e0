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
	"errors"
	"testing"
)

func TestNegotiateRoles(t *testing.T) {
	open := RoleOffer{}
	tests := []struct {
		name    string
		out, in RoleOffer
		pref    RolePreference
		wantOut Role
		wantIn  Role
		wantErr bool
	}{
		{"defaults push", open, open, nil, ActiveMessage, ActiveFlowControl, false},
		{"pull preferred", open, open, RolePreference{ActiveOnly, Passive, ActiveMessage, ActiveFlowControl}, Passive, ActiveOnly, false},
		{"tie goes to output rank", open, open, RolePreference{ActiveMessage, ActiveOnly, Passive, ActiveFlowControl}, ActiveMessage, ActiveFlowControl, false},
		{"mandated passive output", RoleOffer{Preferred: Passive, Options: MandatedRole}, open, nil, Passive, ActiveOnly, false},
		{"input without flow control", open, RoleOffer{Options: Supports(ActiveOnly)}, nil, Passive, ActiveOnly, false},
		{"output only pushes", RoleOffer{Options: Supports(ActiveMessage)}, open, RolePreference{ActiveOnly, Passive}, ActiveMessage, ActiveFlowControl, false},
		{"incompatible mandates", RoleOffer{Preferred: ActiveMessage, Options: MandatedRole}, RoleOffer{Preferred: ActiveOnly, Options: MandatedRole}, nil, NoRole, NoRole, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, in, err := NegotiateRoles(tt.out, tt.in, tt.pref)
			if tt.wantErr {
				if !errors.Is(err, ErrNoCompatibleRole) {
					t.Fatalf("Expected ErrNoCompatibleRole, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NegotiateRoles failed: %v", err)
			}
			if out != tt.wantOut || in != tt.wantIn {
				t.Errorf("Expected %s/%s, got %s/%s", tt.wantOut, tt.wantIn, out, in)
			}
		})
	}
}

func TestNegotiateWithoutPull(t *testing.T) {
	_, _, err := negotiate(RoleOffer{Preferred: Passive, Options: MandatedRole}, RoleOffer{}, nil, false)
	if !errors.Is(err, ErrNoCompatibleRole) {
		t.Errorf("Expected pull to be ruled out, got %v", err)
	}
}

func TestParseRolePreference(t *testing.T) {
	pref, err := ParseRolePreference([]string{"passive", "ActiveOnly"})
	if err != nil {
		t.Fatalf("ParseRolePreference failed: %v", err)
	}
	if len(pref) != 2 || pref[0] != Passive || pref[1] != ActiveOnly {
		t.Errorf("Unexpected preference %v", pref)
	}
	if _, err := ParseRolePreference([]string{"Pushy"}); err == nil {
		t.Error("Expected an unknown role to fail")
	}
	if pref, _ := ParseRolePreference(nil); len(pref) != len(DefaultRolePreference) {
		t.Errorf("Expected the default preference, got %v", pref)
	}
}
