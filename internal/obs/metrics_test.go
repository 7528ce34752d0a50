package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                              "/",
		"/metrics":                      "/metrics",
		"/v1/auth/login":                "/v1/auth/login",
		"/v1/users":                     "/v1/users",
		"/v1/users/me":                  "/v1/users/me",
		"/v1/users/01JABCDEF":           "/v1/users/:id",
		"/v1/users/01JABCDEF/password":  "/v1/users/:id/password",
		"/v1/users/01JABCDEF/audit":     "/v1/users/:id/audit",
		"/v1/users/01JABCDEF/extra":     "/v1/users/01JABCDEF/extra",
		"/v1/users/01JABCDEF?limit=10":  "/v1/users/:id",
		"/v1/users/01JABCDEF/audit/sub": "/v1/users/01JABCDEF/audit/sub",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
