package middleware

import "testing"

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/api/v1/dashboard/card", "/api/v1/dashboard/card"},
		{"/api/v1/events", "/api/v1/events"},
		{"/ws", "/ws"},
		{"/health/ready", "/health/ready"},
		{"/wp-admin/setup.php", "other"},
		{"/", "other"},
	}
	for _, c := range cases {
		if got := normalizePath(c.path); got != c.want {
			t.Errorf("normalizePath(%q) = %q, want %q", c.path, got, c.want)
		}
	}
}
