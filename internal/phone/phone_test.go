package phone

import "testing"

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"9876543210":       "9876543210",
		"+91 98765 43210":  "919876543210",
		"(987) 654-3210":   "9876543210",
		"98-76-54-32-10":   "9876543210",
		"":                 "",
		"no digits at all": "",
	}
	for input, expect := range cases {
		if got := Normalize(input); got != expect {
			t.Fatalf("Normalize(%q) = %q, expected %q", input, got, expect)
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal("9876543210", "+91 98765 43210") {
		t.Fatalf("expected country prefix to be tolerated")
	}
	if !Equal("(987) 654-3210", "987 6543210") {
		t.Fatalf("expected punctuation differences to be ignored")
	}
	if Equal("", "") {
		t.Fatalf("empty numbers must never match")
	}
	if Equal("123", "456") {
		t.Fatalf("different numbers must not match")
	}
	if Equal("9876543210", "9876543211") {
		t.Fatalf("expected different subscribers to not match")
	}
}
