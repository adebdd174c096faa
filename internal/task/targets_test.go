package task

import "testing"

func TestMatchesTarget(t *testing.T) {
	cases := []struct {
		name    string
		targets []string
		query   string
		want    bool
	}{
		{"exact ip", []string{"192.0.2.1"}, "192.0.2.1", true},
		{"different ip", []string{"192.0.2.1"}, "192.0.2.2", false},
		{"ip in query cidr", []string{"10.0.0.5"}, "10.0.0.0/24", true},
		{"ip outside query cidr", []string{"10.0.1.5"}, "10.0.0.0/24", false},
		{"target cidr contains query ip", []string{"10.0.0.0/24"}, "10.0.0.17", true},
		{"target cidr misses query ip", []string{"10.0.0.0/24"}, "10.0.1.17", false},
		{"overlapping cidrs", []string{"10.0.0.0/16"}, "10.0.4.0/24", true},
		{"disjoint cidrs", []string{"10.0.0.0/24"}, "10.1.0.0/24", false},
		{"one of several targets", []string{"192.0.2.1", "10.0.0.0/24"}, "10.0.0.9", true},
		{"hostname equality", []string{"db.internal"}, "db.internal", true},
		{"hostname mismatch", []string{"db.internal"}, "web.internal", false},
		{"unparseable query against ip", []string{"192.0.2.1"}, "not-an-ip", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MatchesTarget(tc.targets, tc.query); got != tc.want {
				t.Fatalf("MatchesTarget(%v, %q) = %v, want %v", tc.targets, tc.query, got, tc.want)
			}
		})
	}
}
