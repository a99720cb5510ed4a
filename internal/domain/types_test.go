package domain

import "testing"

func TestComputeInStock(t *testing.T) {
	cases := []struct {
		name  string
		stock map[Size]int
		want  bool
	}{
		{"nil stock", nil, false},
		{"all sizes empty", map[Size]int{SizeS: 0, SizeM: 0}, false},
		{"one size available", map[Size]int{SizeS: 0, SizeM: 2}, true},
		{"negative quantities ignored", map[Size]int{SizeL: -1}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ComputeInStock(tc.stock); got != tc.want {
				t.Fatalf("ComputeInStock(%v) = %v, want %v", tc.stock, got, tc.want)
			}
		})
	}
}
