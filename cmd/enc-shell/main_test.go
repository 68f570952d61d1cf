package main

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestParseLine(t *testing.T) {
	argv, err := parseLine(`enc-server server-project-run --session-id abc demo -- echo "a b"`)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"enc-server", "server-project-run", "--session-id", "abc", "demo", "--", "echo", "a b"}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("expected %q, got %q", want, argv)
	}

	for _, line := range []string{
		"bash",
		"ls -la",
		"enc-serverx status",
		"/usr/bin/enc-server status",
		"",
		"enc-server 'unterminated",
	} {
		if _, err := parseLine(line); !errors.Is(err, errForbidden) {
			t.Errorf("%q: expected forbidden, got %v", line, err)
		}
	}
}

func TestParseLineRefusesServerFlags(t *testing.T) {
	for _, line := range []string{
		"enc-server --config /home/alice/mine.yaml server-user-list --session-id x",
		"enc-server server-user-list --session-id x --config /home/alice/mine.yaml",
		"enc-server server-user-list --config=/home/alice/mine.yaml",
		"enc-server status --log-level debug",
		"enc-server --log-level=debug status",
		"enc-server --help",
		"enc-server",
	} {
		if _, err := parseLine(line); !errors.Is(err, errForbidden) {
			t.Errorf("%q: expected forbidden, got %v", line, err)
		}
	}

	argv, err := parseLine("enc-server server-project-run --session-id x demo -- tool --config local.yaml")
	if err != nil {
		t.Fatalf("flags after -- belong to the project command: %v", err)
	}
	if argv[len(argv)-2] != "--config" {
		t.Errorf("unexpected argv %q", argv)
	}
}

func TestServerEnvDropsOverrides(t *testing.T) {
	t.Setenv("ENC_CONFIG", "/home/alice/mine.yaml")
	t.Setenv("ENC_MODE", "local")
	t.Setenv("DATABASE_URL", "postgres://elsewhere")
	t.Setenv("LANG", "C.UTF-8")

	env := serverEnv()
	for _, kv := range env {
		if strings.HasPrefix(kv, "ENC_") || strings.HasPrefix(kv, "DATABASE_URL=") {
			t.Errorf("override leaked into the server environment: %s", kv)
		}
	}
	found := false
	for _, kv := range env {
		found = found || kv == "LANG=C.UTF-8"
	}
	if !found {
		t.Error("unrelated variables should pass through")
	}
}

func TestParseLineKeepsMetacharactersLiteral(t *testing.T) {
	argv, err := parseLine("enc-server status; rm -rf /")
	if err != nil {
		t.Fatal(err)
	}
	if argv[1] != "status;" || argv[2] != "rm" {
		t.Errorf("metacharacters must stay plain arguments: %q", argv)
	}
}

func TestREPL(t *testing.T) {
	in := strings.NewReader("help\nbash -i\nenc-server status\n\nexit\nenc-server never\n")
	var out strings.Builder
	var ran [][]string
	err := repl(in, &out, func(argv []string) error {
		ran = append(ran, argv)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(ran) != 1 || !reflect.DeepEqual(ran[0], []string{"enc-server", "status"}) {
		t.Errorf("unexpected commands run: %q", ran)
	}
	text := out.String()
	for _, s := range []string{"Allowed commands", "Forbidden command: bash -i", "Goodbye."} {
		if !strings.Contains(text, s) {
			t.Errorf("output missing %q:\n%s", s, text)
		}
	}
}

func TestREPLEndsOnEOF(t *testing.T) {
	var out strings.Builder
	if err := repl(strings.NewReader("enc-server status"), &out, func([]string) error { return nil }); err != nil {
		t.Fatal(err)
	}
}
