package address

import "testing"

func TestParse(t *testing.T) {
	addr, params, err := Parse("<user@example.com> BODY=8BITMIME ORCPT=rfc822;foo")
	if err != nil {
		t.Fatal(err)
	}
	if addr != "user@example.com" {
		t.Errorf("addr = %q", addr)
	}
	if params["BODY"] != "8BITMIME" {
		t.Errorf("BODY = %q", params["BODY"])
	}
	if params["ORCPT"] != "rfc822;foo" {
		t.Errorf("ORCPT = %q", params["ORCPT"])
	}
}

func TestParseNoParams(t *testing.T) {
	addr, params, err := Parse("<a@b>")
	if err != nil {
		t.Fatal(err)
	}
	if addr != "a@b" || len(params) != 0 {
		t.Errorf("got (%q, %v)", addr, params)
	}
}

func TestParseMalformed(t *testing.T) {
	for _, in := range []string{"a@b", "<a@b", "<a@b> =value"} {
		if _, _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error", in)
		}
	}
}

func TestUnwrapQuotedLocal(t *testing.T) {
	cases := []struct{ in, want string }{
		{`"a b"@x`, "a b@x"},
		{`"a\"b"@x`, `a"b@x`},
		{"plain@x", "plain@x"},
		{`"unterminated@x`, `"unterminated@x`},
	}
	for _, tc := range cases {
		if got := UnwrapQuotedLocal(tc.in); got != tc.want {
			t.Errorf("UnwrapQuotedLocal(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSplitDetail(t *testing.T) {
	cases := []struct {
		local, delims, user, detail string
	}{
		{"user+promo", "+", "user", "promo"},
		{"user", "+", "user", ""},
		{"user+a+b", "+", "user", "a+b"},
		{"user+promo", "", "user+promo", ""},
	}
	for _, tc := range cases {
		u, d := SplitDetail(tc.local, tc.delims)
		if u != tc.user || d != tc.detail {
			t.Errorf("SplitDetail(%q,%q) = (%q,%q), want (%q,%q)",
				tc.local, tc.delims, u, d, tc.user, tc.detail)
		}
	}
}

func TestXtextRoundTrip(t *testing.T) {
	cases := []string{"", "plain", "a+b", "100%", "\x01\x02binary\xff", "=equals="}
	for _, s := range cases {
		enc := XtextEncode(s)
		dec, err := XtextDecode(enc)
		if err != nil {
			t.Fatalf("XtextDecode(%q): %v", enc, err)
		}
		if dec != s {
			t.Errorf("round trip %q -> %q -> %q", s, enc, dec)
		}
	}
}

func TestXtextDecodeLiteralPlus(t *testing.T) {
	got, err := XtextDecode("a+zz")
	if err != nil {
		t.Fatalf("XtextDecode(%q): unexpected error %v", "a+zz", err)
	}
	if got != "a+zz" {
		t.Errorf("XtextDecode(%q) = %q, want %q", "a+zz", got, "a+zz")
	}
}

func TestTranslate(t *testing.T) {
	cases := []struct {
		tmpl, user, domain, want string
	}{
		{"%u@%d", "alice", "example.com", "alice@example.com"},
		{"prefix-%u@%d", "bob", "y", "prefix-bob@y"},
		{"%u", "carol", "z", "carol@"},
	}
	for _, tc := range cases {
		got, ok := Translate(tc.tmpl, tc.user, tc.domain)
		if !ok {
			t.Fatalf("Translate(%q,...) failed", tc.tmpl)
		}
		if got != tc.want {
			t.Errorf("Translate(%q,%q,%q) = %q, want %q", tc.tmpl, tc.user, tc.domain, got, tc.want)
		}
	}
}
