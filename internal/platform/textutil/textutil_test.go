package textutil

import "testing"

func TestCleanText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"strips markup", `<b>Flat 4B</b><script>alert(1)</script>`, 0, "Flat 4B"},
		{"collapses whitespace", "  12,   MG   Road \n", 0, "12, MG Road"},
		{"keeps entities readable", "Tom &amp; Sons", 0, "Tom & Sons"},
		{"truncates runes", "Bengaluru", 4, "Beng"},
		{"empty", "", 10, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CleanText(tc.in, tc.max); got != tc.want {
				t.Fatalf("CleanText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCleanMultilineKeepsLineBreaks(t *testing.T) {
	got := CleanMultiline("Need 3 bags\r\n<i>by Friday</i>  ", 0)
	if got != "Need 3 bags\nby Friday" {
		t.Fatalf("unexpected result %q", got)
	}
}

func TestFormatINR(t *testing.T) {
	cases := map[int64]string{
		0:        "₹0.00",
		5:        "₹0.05",
		218300:   "₹2,183.00",
		1433150:  "₹14,331.50",
		-2500:    "-₹25.00",
		12345678: "₹123,456.78",
	}
	for in, want := range cases {
		if got := FormatINR(in); got != want {
			t.Fatalf("FormatINR(%d) = %q, want %q", in, got, want)
		}
	}
}
