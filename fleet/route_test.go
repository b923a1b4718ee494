package fleet

import "testing"

func TestRoute(t *testing.T) {
	cases := []struct {
		name string
		caps Capabilities
		want ApplyRoute
	}{
		{"direct apply", Capabilities{DirectApply: true}, ApplyDirect},
		{"review required", Capabilities{ReviewRequired: true}, ApplyWithReview},
		{"review wins over direct", Capabilities{DirectApply: true, ReviewRequired: true}, ApplyWithReview},
		{"frozen wins over everything", Capabilities{DirectApply: true, ReviewRequired: true, Frozen: true}, ApplyBlocked},
		{"no grants", Capabilities{}, ApplyBlocked},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Route(tc.caps); got != tc.want {
				t.Fatalf("Route(%+v) = %s, want %s", tc.caps, got, tc.want)
			}
		})
	}
}
