package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"utp/codec"
	"utp/logging"
	"utp/registry"
)

func TestMain(m *testing.M) {
	logging.ConfigureTests()
	os.Exit(m.Run())
}

const userConfig = `
version = 3

[[schema]]
name = "USER"
  [[schema.fields]]
  name = "id"
  type = "UINT32"
  [[schema.fields]]
  name = "name"
  type = "STRING"

[[rpc]]
method = "user.get"
schema = "USER"
`

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "utp.toml")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCmd(t *testing.T, ctx context.Context, args ...string) (int, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(ctx, args, &stdout, &stderr)
	return code, stdout.String()
}

func TestRunUsage(t *testing.T) {
	if code, _ := runCmd(t, context.Background()); code != 2 {
		t.Errorf("no command: exit %d", code)
	}
	if code, _ := runCmd(t, context.Background(), "frobnicate"); code != 2 {
		t.Errorf("unknown command: exit %d", code)
	}
	if code, _ := runCmd(t, context.Background(), "proto", "-bogus"); code != 1 {
		t.Errorf("unknown flag: exit %d", code)
	}
	if code, _ := runCmd(t, context.Background(), "proto", "-h"); code != 0 {
		t.Errorf("help: exit %d", code)
	}
}

func TestRunProto(t *testing.T) {
	code, out := runCmd(t, context.Background(), "proto", "-config", writeConfig(t, userConfig))
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	packet, err := hex.DecodeString(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("output is not hex: %v", err)
	}

	reg := registry.New()
	reg.SetLock(false)
	if _, err := codec.New(reg).Decode(packet); err != nil {
		t.Fatalf("PROTO does not decode: %v", err)
	}
	if reg.Version() != 3 {
		t.Errorf("version %d", reg.Version())
	}
	if i, _, err := reg.Lookup("USER"); err != nil || i != 8 {
		t.Errorf("USER: %d %v", i, err)
	}
}

func TestRunDescribe(t *testing.T) {
	path := writeConfig(t, userConfig)

	code, out := runCmd(t, context.Background(), "describe", "-config", path, "USER")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	want := "USER: [ id: UINT32, name: STRING ]\nrpc user.get -> USER\n"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}

	code, out = runCmd(t, context.Background(), "describe", "-config", path)
	if code != 0 || !strings.HasPrefix(out, "PING: [  ]\n") || !strings.Contains(out, "USER: [") {
		t.Errorf("describe all: exit %d\n%s", code, out)
	}

	if code, _ := runCmd(t, context.Background(), "describe", "-config", path, "NOPE"); code != 1 {
		t.Errorf("unknown schema: exit %d", code)
	}
}

func TestRunConfigErrors(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.toml")
	if code, _ := runCmd(t, context.Background(), "proto", "-config", missing); code != 1 {
		t.Errorf("missing config: exit %d", code)
	}
	bad := writeConfig(t, "[[rpc]]\nmethod = \"m\"\nschema = \"NOPE\"\n")
	if code, _ := runCmd(t, context.Background(), "proto", "-config", bad); code != 1 {
		t.Errorf("unknown schema binding: exit %d", code)
	}
	// Without etcd_endpoints there is nothing to publish to.
	if code, _ := runCmd(t, context.Background(), "publish", "-config", writeConfig(t, userConfig)); code != 1 {
		t.Errorf("publish without etcd: exit %d", code)
	}
}

func TestRunServeStops(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("no loopback listener: %v", err)
	}
	l.Close()

	path := writeConfig(t, userConfig)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		var stdout, stderr bytes.Buffer
		code := run(ctx, []string{"serve", "-config", path, "-addr", "127.0.0.1:0"}, &stdout, &stderr)
		done <- code
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("exit %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
