package remote

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type fakeTransport struct {
	command string
	stdin   []byte
	stdout  string
	stderr  string
	err     error
}

func (f *fakeTransport) Exec(_ context.Context, command string, stdin []byte) ([]byte, []byte, error) {
	f.command = command
	f.stdin = stdin
	return []byte(f.stdout), []byte(f.stderr), f.err
}

func TestClientRunQuotesAndDecodes(t *testing.T) {
	ft := &fakeTransport{stdout: `{"status":"success","message":"mounted","mount_point":"/run/demo"}` + "\n"}
	c := &Client{Transport: ft}

	res, err := c.Run(context.Background(), []string{"server-project-mount", "--session-id", "s1", "my demo"}, []byte("pw\n"))
	if err != nil {
		t.Fatal(err)
	}
	if ft.command != "enc-server server-project-mount --session-id s1 'my demo'" {
		t.Errorf("unexpected command line %q", ft.command)
	}
	if string(ft.stdin) != "pw\n" {
		t.Errorf("stdin not forwarded: %q", ft.stdin)
	}
	if res.MountPoint != "/run/demo" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestClientRunErrorResult(t *testing.T) {
	ft := &fakeTransport{
		stdout: `{"status":"error","message":"Session Verification Failed: session \"x\" is invalid or expired"}`,
		err:    errors.New("exit status 1"),
	}
	res, err := (&Client{Transport: ft}).Run(context.Background(), []string{"status"}, nil)
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
	if res == nil || !strings.Contains(res.Message, "Session Verification Failed") {
		t.Errorf("error result should be returned, got %+v", res)
	}
}

func TestClientRunTransportFailure(t *testing.T) {
	ft := &fakeTransport{stderr: "Forbidden command\n", err: errors.New("exit status 1")}
	_, err := (&Client{Transport: ft}).Run(context.Background(), []string{"status"}, nil)
	if err == nil || !strings.Contains(err.Error(), "Forbidden command") {
		t.Fatalf("expected stderr in error, got %v", err)
	}

	ft = &fakeTransport{stdout: "not json"}
	if _, err := (&Client{Transport: ft}).Run(context.Background(), []string{"status"}, nil); !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote for garbage output, got %v", err)
	}
}

func TestParseAddr(t *testing.T) {
	cases := map[string]string{
		"enc.example.com":             "enc.example.com:22",
		"enc.example.com:2222":        "enc.example.com:2222",
		"alice@10.0.0.5:2200":         "10.0.0.5:2200",
		"ssh://alice@enc.example.com": "enc.example.com:22",
		"ssh://[::1]:2022":            "[::1]:2022",
	}
	for in, want := range cases {
		got, err := ParseAddr(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got != want {
			t.Errorf("%s: expected %s, got %s", in, want, got)
		}
	}
	if _, err := ParseAddr(""); err == nil {
		t.Error("empty url should fail")
	}
	if _, err := ParseAddr("host:abc"); err == nil {
		t.Error("bad port should fail")
	}
}

// sshFixture is an in-process SSH server that answers exec requests.
type sshFixture struct {
	addr       string
	hostKey    ssh.Signer
	keyFile    string
	knownHosts string
}

type execHandler func(command string, stdin []byte) (stdout string, status uint32)

func startSSHServer(t *testing.T, user string, handle execHandler) *sshFixture {
	t.Helper()
	dir := t.TempDir()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatal(err)
	}
	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	authorized, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatal(err)
	}
	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	if err != nil {
		t.Fatal(err)
	}
	keyFile := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if meta.User() == user && bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unauthorized")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSSH(nc, cfg, handle)
		}
	}()

	addr := ln.Addr().String()
	knownHosts := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{addr}, hostSigner.PublicKey()) + "\n"
	if err := os.WriteFile(knownHosts, []byte(line), 0600); err != nil {
		t.Fatal(err)
	}
	return &sshFixture{addr: addr, hostKey: hostSigner, keyFile: keyFile, knownHosts: knownHosts}
}

func serveSSH(nc net.Conn, cfg *ssh.ServerConfig, handle execHandler) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range chReqs {
				if req.Type != "exec" {
					req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					req.Reply(false, nil)
					return
				}
				req.Reply(true, nil)
				in, _ := io.ReadAll(ch)
				out, status := handle(payload.Command, in)
				io.WriteString(ch, out)
				ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

func TestSSHTransportExec(t *testing.T) {
	var gotCmd, gotStdin string
	fx := startSSHServer(t, "alice", func(command string, stdin []byte) (string, uint32) {
		gotCmd, gotStdin = command, string(stdin)
		return `{"status":"success","message":"ok","session_id":"s-1"}`, 0
	})

	c := &Client{Transport: &SSHTransport{
		Addr:           fx.addr,
		User:           "alice",
		KeyFile:        fx.keyFile,
		KnownHostsFile: fx.knownHosts,
		Timeout:        5 * time.Second,
	}}
	res, err := c.Run(context.Background(), []string{"server-login"}, []byte("secret\n"))
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionID != "s-1" {
		t.Errorf("unexpected result %+v", res)
	}
	if gotCmd != "enc-server server-login" || gotStdin != "secret\n" {
		t.Errorf("server saw command %q stdin %q", gotCmd, gotStdin)
	}
}

func TestSSHTransportRemoteFailure(t *testing.T) {
	fx := startSSHServer(t, "alice", func(string, []byte) (string, uint32) {
		return `{"status":"error","message":"permission denied"}`, 1
	})
	c := &Client{Transport: &SSHTransport{Addr: fx.addr, User: "alice", KeyFile: fx.keyFile, KnownHostsFile: fx.knownHosts}}
	res, err := c.Run(context.Background(), []string{"server-user-list"}, nil)
	if !errors.Is(err, ErrRemote) {
		t.Fatalf("expected ErrRemote, got %v", err)
	}
	if res.Message != "permission denied" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestSSHTransportRejectsUnknownHost(t *testing.T) {
	fx := startSSHServer(t, "alice", func(string, []byte) (string, uint32) {
		return `{"status":"success","message":"ok"}`, 0
	})
	empty := filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(empty, nil, 0600); err != nil {
		t.Fatal(err)
	}
	tr := &SSHTransport{Addr: fx.addr, User: "alice", KeyFile: fx.keyFile, KnownHostsFile: empty}
	if _, _, err := tr.Exec(context.Background(), "enc-server status", nil); err == nil {
		t.Fatal("unknown host key must be rejected")
	}
}

func TestSSHTransportRejectsWrongUser(t *testing.T) {
	fx := startSSHServer(t, "alice", func(string, []byte) (string, uint32) {
		return `{"status":"success","message":"ok"}`, 0
	})
	tr := &SSHTransport{Addr: fx.addr, User: "mallory", KeyFile: fx.keyFile, KnownHostsFile: fx.knownHosts}
	if _, _, err := tr.Exec(context.Background(), "enc-server status", nil); err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	if err := Probe(context.Background(), addr, time.Second); err != nil {
		t.Errorf("listening address should be reachable: %v", err)
	}
	ln.Close()
	if err := Probe(context.Background(), addr, time.Second); err == nil {
		t.Error("closed address should not be reachable")
	}
}
