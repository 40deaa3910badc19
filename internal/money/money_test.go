package money

import (
	"errors"
	"testing"
)

func TestFromZEC(t *testing.T) {
	cases := []struct {
		in   string
		want Zatoshi
	}{
		{"0", 0},
		{"1", 100_000_000},
		{"1.5", 150_000_000},
		{"1.50000000", 150_000_000},
		{"0.00000001", 1},
		{".25", 25_000_000},
		{"21000000", 2_100_000_000_000_000},
		{"-0.5", -50_000_000},
	}
	for _, c := range cases {
		got, err := FromZEC(c.in)
		if err != nil {
			t.Errorf("FromZEC(%q) error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("FromZEC(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestFromZECInvalid(t *testing.T) {
	for _, in := range []string{"", ".", "1.2.3", "1.000000001", "abc", "1e8"} {
		if _, err := FromZEC(in); err == nil {
			t.Errorf("FromZEC(%q) expected error", in)
		}
	}
}

func TestZECFormat(t *testing.T) {
	cases := []struct {
		in   Zatoshi
		want string
	}{
		{0, "0.00000000"},
		{1, "0.00000001"},
		{150_000_000, "1.50000000"},
		{-50_000_000, "-0.50000000"},
	}
	for _, c := range cases {
		if got := c.in.ZEC(); got != c.want {
			t.Errorf("Zatoshi(%d).ZEC() = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, z := range []Zatoshi{0, 1, 99, 100_000_000, 123_456_789, 2_100_000_000_000_000} {
		got, err := FromZEC(z.ZEC())
		if err != nil {
			t.Fatalf("round trip %d: %v", z, err)
		}
		if got != z {
			t.Errorf("round trip %d: got %d", z, got)
		}
	}
}

func TestAddOverflow(t *testing.T) {
	if _, err := Zatoshi(1<<62).Add(Zatoshi(1 << 62)); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected overflow, got %v", err)
	}
	sum, err := Zatoshi(2).Add(Zatoshi(3))
	if err != nil || sum != 5 {
		t.Errorf("Add(2,3) = %d, %v", sum, err)
	}
}

func TestWithinTolerance(t *testing.T) {
	if !Zatoshi(100).WithinTolerance(101, 1) {
		t.Error("100 should match 101 within 1 zatoshi")
	}
	if !Zatoshi(100).WithinTolerance(99, 1) {
		t.Error("100 should match 99 within 1 zatoshi")
	}
	if Zatoshi(100).WithinTolerance(102, 1) {
		t.Error("100 should not match 102 within 1 zatoshi")
	}
}
