package roles

import "testing"

func TestAdminGuardDecisions(t *testing.T) {
	guard := NewAdminGuard("/unauthorized")
	cases := []struct {
		name     string
		state    State
		target   string
		expected Decision
	}{
		{
			name:     "loading renders placeholder",
			state:    State{Role: RoleAdmin, Loading: true},
			target:   "/admin",
			expected: Decision{Kind: DecisionLoading},
		},
		{
			name:     "admin renders",
			state:    State{Role: RoleAdmin},
			target:   "/admin",
			expected: Decision{Kind: DecisionRender},
		},
		{
			name:     "agent redirected with redirect-back",
			state:    State{Role: RoleAgent},
			target:   "/admin/role-requests?status=pending",
			expected: Decision{Kind: DecisionRedirect, Location: "/unauthorized?redirect=%2Fadmin%2Frole-requests%3Fstatus%3Dpending"},
		},
		{
			name:     "null role redirected",
			state:    State{Role: RoleNone},
			target:   "",
			expected: Decision{Kind: DecisionRedirect, Location: "/unauthorized"},
		},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := guard.Decide(testCase.state, testCase.target); got != testCase.expected {
				t.Fatalf("expected %#v, got %#v", testCase.expected, got)
			}
		})
	}
}

func TestAdminGuardDefaultsUnauthorizedPath(t *testing.T) {
	if NewAdminGuard("  ").UnauthorizedPath != "/unauthorized" {
		t.Fatalf("expected default unauthorized path")
	}
	decision := AdminGuard{}.Decide(State{Role: RoleUser}, "/admin")
	if decision.Location != "/unauthorized?redirect=%2Fadmin" {
		t.Fatalf("unexpected location %q", decision.Location)
	}
}

func TestAllowListGuardDecisions(t *testing.T) {
	guard := NewAllowListGuard(RoleOwner, RoleAgent)
	cases := []struct {
		name     string
		state    State
		expected Decision
	}{
		{name: "loading renders placeholder", state: State{Loading: true}, expected: Decision{Kind: DecisionLoading}},
		{name: "owner renders", state: State{Role: RoleOwner}, expected: Decision{Kind: DecisionRender}},
		{name: "agent renders", state: State{Role: RoleAgent}, expected: Decision{Kind: DecisionRender}},
		{name: "user sent home", state: State{Role: RoleUser}, expected: Decision{Kind: DecisionRedirect, Location: "/"}},
		{name: "admin not listed", state: State{Role: RoleAdmin}, expected: Decision{Kind: DecisionRedirect, Location: "/"}},
		{name: "null role sent home", state: State{Role: RoleNone}, expected: Decision{Kind: DecisionRedirect, Location: "/"}},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := guard.Decide(testCase.state, "/dashboard"); got != testCase.expected {
				t.Fatalf("expected %#v, got %#v", testCase.expected, got)
			}
		})
	}
}

func TestAllowListGuardIgnoresNullRole(t *testing.T) {
	guard := NewAllowListGuard(RoleNone, RoleOwner, RoleOwner)
	if guard.Allows(RoleNone) {
		t.Fatalf("null role must never be admitted")
	}
	if guard.Name() != "allow:owner" {
		t.Fatalf("unexpected guard name %q", guard.Name())
	}
}
