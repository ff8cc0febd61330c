package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                "/",
		"/metrics":                        "/metrics",
		"/v1/grants":                      "/v1/grants",
		"/v1/grants/7":                    "/v1/grants/:id",
		"/v1/grants/7/revoke":             "/v1/grants/:id/revoke",
		"/v1/grants/7/transfer":           "/v1/grants/:id/transfer",
		"/v1/grants/7/access":             "/v1/grants/:id/access",
		"/v1/grants/7/scopes":             "/v1/grants/:id/scopes",
		"/v1/grants/7/audit/3":            "/v1/grants/:id/audit/:seq",
		"/v1/grants/7/extra":              "/v1/grants/7/extra",
		"/v1/patients/rec-1/grants/count": "/v1/patients/:id/grants/count",
		"/v1/patients/rec-1":              "/v1/patients/:id",
		"/v1/patients/rec-1/status":       "/v1/patients/:id/status",
		"/v1/grants/7/access?account=x":   "/v1/grants/:id/access",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
