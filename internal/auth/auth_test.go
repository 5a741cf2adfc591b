package auth

import (
	"net/http/httptest"
	"testing"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "surrounding space", header: "Bearer   abc123  ", want: "abc123"},
		{name: "missing", header: "", wantErr: true},
		{name: "wrong scheme", header: "Basic abc", wantErr: true},
		{name: "empty token", header: "Bearer    ", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/tasks", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			got, err := ExtractBearerToken(r)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got token %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("token = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "runner", Scopes: []string{"dispatch:rw"}},
		{Token: "viewer", Scopes: []string{" tasks:ro ", ""}},
		{Token: "streamer", Scopes: []string{"events:rw"}},
	}

	admin, ok := Authenticate("legacy", "legacy", tokens)
	if !ok || !HasAnyScope(admin, "anything:rw") {
		t.Fatalf("legacy key should authenticate as admin: %+v", admin)
	}

	runner, ok := Authenticate("runner", "legacy", tokens)
	if !ok {
		t.Fatal("runner token rejected")
	}
	for _, scope := range []string{"dispatch:rw", "dispatch:ro", "tasks:ro"} {
		if !HasAnyScope(runner, scope) {
			t.Errorf("runner should hold %s", scope)
		}
	}
	if HasAnyScope(runner, ScopeEventsRO) {
		t.Error("runner should not read events")
	}

	viewer, _ := Authenticate("viewer", "legacy", tokens)
	if !HasAnyScope(viewer, ScopeTasksRO) || HasAnyScope(viewer, ScopeDispatchRW) {
		t.Errorf("viewer scopes = %v", viewer.Scopes)
	}

	streamer, _ := Authenticate("streamer", "", tokens)
	if !HasAnyScope(streamer, ScopeEventsRO) {
		t.Error("events:rw should imply events:ro")
	}

	if _, ok := Authenticate("nope", "legacy", tokens); ok {
		t.Error("unknown token accepted")
	}
	if _, ok := Authenticate("", "", nil); ok {
		t.Error("empty token must never authenticate")
	}
	if !HasAnyScope(Principal{}) {
		t.Error("no required scopes should always pass")
	}
}
