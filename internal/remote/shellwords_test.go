package remote

import (
	"errors"
	"reflect"
	"testing"
)

func TestQuoteSplitRoundTrip(t *testing.T) {
	cases := [][]string{
		{"enc-server", "server-login"},
		{"server-project-run", "--session-id", "abc", "demo", "--", "make", "build"},
		{"echo", "it's", "a \"test\"", ""},
		{"sh", "-c", "rm -rf / ; echo $HOME `id`"},
		{"tab\there", "new\nline", "back\\slash"},
		{"ünïcode", "日本"},
	}
	for _, args := range cases {
		line := Quote(args)
		got, err := Split(line)
		if err != nil {
			t.Fatalf("split %q: %v", line, err)
		}
		if !reflect.DeepEqual(got, args) {
			t.Errorf("round trip of %q via %q gave %q", args, line, got)
		}
	}
}

func TestQuoteLeavesPlainWordsAlone(t *testing.T) {
	got := Quote([]string{"enc-server", "server-logout", "0f8e-11", "a=b", "/tmp/x.txt"})
	want := "enc-server server-logout 0f8e-11 a=b /tmp/x.txt"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	for _, arg := range []string{"a;b", "$(id)", "x|y", "~root"} {
		q := Quote([]string{arg})
		if q == arg {
			t.Errorf("metacharacters must be quoted, got %q", q)
		}
		if got, err := Split(q); err != nil || !reflect.DeepEqual(got, []string{arg}) {
			t.Errorf("%q quoted as %q splits to %q (%v)", arg, q, got, err)
		}
	}
}

func TestSplitShellForms(t *testing.T) {
	cases := []struct {
		line string
		want []string
	}{
		{"  enc-server   status ", []string{"enc-server", "status"}},
		{`enc-server "two words" 'single $x' esc\ aped`, []string{"enc-server", "two words", "single $x", "esc aped"}},
		{`"a \"q\" \$ \n"`, []string{`a "q" $ \n`}},
		{`pre'mid'"post"`, []string{"premidpost"}},
		{`''`, []string{""}},
		{"", nil},
	}
	for _, tc := range cases {
		got, err := Split(tc.line)
		if err != nil {
			t.Fatalf("split %q: %v", tc.line, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("split %q: expected %q, got %q", tc.line, tc.want, got)
		}
	}
}

func TestSplitUnterminated(t *testing.T) {
	for _, line := range []string{`enc-server 'oops`, `enc-server "oops`, `"a\"`} {
		if _, err := Split(line); !errors.Is(err, ErrUnterminatedQuote) {
			t.Errorf("%q: expected ErrUnterminatedQuote, got %v", line, err)
		}
	}
}
