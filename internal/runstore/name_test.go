package runstore

import "testing"

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"shop.owner+1@example.com": "shop.owner+1@example.com",
		" a b/c ":                  "a_b_c",
		"x\\y:z":                   "x_y_z",
		"":                         "_",
		"Größe":                    "Gr__e",
	}
	for in, want := range cases {
		if got := SafeName(in); got != want {
			t.Fatalf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
}
