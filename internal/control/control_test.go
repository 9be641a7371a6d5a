package control

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"
)

type fakeReloadable struct {
	calls []string
	err   error
}

func (f *fakeReloadable) Reload(path string) error {
	f.calls = append(f.calls, path)
	return f.err
}

func dialAndSend(t *testing.T, addr string, line string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return reply
}

func TestPing(t *testing.T) {
	impl := &fakeReloadable{}
	l := New(zap.NewNop(), impl)
	if err := l.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	reply := dialAndSend(t, l.Addr().String(), "PING")
	if reply != "OK pong\n" {
		t.Fatalf("expected OK pong, got %q", reply)
	}
}

func TestReloadWithNoPathUsesEmptyString(t *testing.T) {
	impl := &fakeReloadable{}
	l := New(zap.NewNop(), impl)
	if err := l.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	reply := dialAndSend(t, l.Addr().String(), "RELOAD")
	if reply != "OK reloaded\n" {
		t.Fatalf("expected OK reloaded, got %q", reply)
	}
	if len(impl.calls) != 1 || impl.calls[0] != "" {
		t.Fatalf("expected one Reload(\"\") call, got %#v", impl.calls)
	}
}

func TestReloadWithPathForwardsIt(t *testing.T) {
	impl := &fakeReloadable{}
	l := New(zap.NewNop(), impl)
	if err := l.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	dialAndSend(t, l.Addr().String(), "RELOAD /etc/gateway.yaml")
	if len(impl.calls) != 1 || impl.calls[0] != "/etc/gateway.yaml" {
		t.Fatalf("expected Reload(\"/etc/gateway.yaml\"), got %#v", impl.calls)
	}
}

func TestReloadFailureIsReportedNotPanicked(t *testing.T) {
	impl := &fakeReloadable{err: errors.New("bad config")}
	l := New(zap.NewNop(), impl)
	if err := l.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	reply := dialAndSend(t, l.Addr().String(), "RELOAD")
	if reply != "ERR: bad config\n" {
		t.Fatalf("expected ERR: bad config, got %q", reply)
	}
}

func TestUnknownCommand(t *testing.T) {
	impl := &fakeReloadable{}
	l := New(zap.NewNop(), impl)
	if err := l.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	reply := dialAndSend(t, l.Addr().String(), "FROBNICATE")
	if reply != "ERR: unknown command \"FROBNICATE\"\n" {
		t.Fatalf("unexpected reply: %q", reply)
	}
}
