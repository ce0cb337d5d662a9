package chat

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"gochat/internal/errors"
	"gochat/internal/retry"
	"gochat/internal/server"
	"gochat/internal/session"
)

// fakeView records what the client shows.
type fakeView struct {
	messages chan string
	errs     chan error

	mu     sync.Mutex
	input  bool
	states []session.State
}

func newFakeView() *fakeView {
	return &fakeView{
		messages: make(chan string, 64),
		errs:     make(chan error, 16),
	}
}

func (v *fakeView) SetInputEnabled(on bool) {
	v.mu.Lock()
	v.input = on
	v.mu.Unlock()
}

func (v *fakeView) ShowMessage(text string) { v.messages <- text }

func (v *fakeView) ShowState(st session.State) {
	v.mu.Lock()
	v.states = append(v.states, st)
	v.mu.Unlock()
}

func (v *fakeView) ShowError(err error) {
	select {
	case v.errs <- err:
	default:
	}
}

func (v *fakeView) inputEnabled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.input
}

func (v *fakeView) expectMessage(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-v.messages:
		if got != want {
			t.Fatalf("message %q, want %q", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting until %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// startServer runs a chat (or echo) server and returns its port.
func startServer(t *testing.T, echo bool) int {
	t.Helper()
	srv, err := server.New(server.Options{Echo: echo})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx, ln) //nolint:errcheck
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().(*net.TCPAddr).Port
}

// runClient starts c.Run and returns a channel with its result.
func runClient(t *testing.T, c *Client, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- c.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		c.Close()
		select {
		case <-finished:
		case <-time.After(3 * time.Second):
			t.Error("Run did not return after Close")
		}
	})
	return done
}

func TestClient_Handshake(t *testing.T) {
	port := startServer(t, false)
	view := newFakeView()
	c := New(session.New("127.0.0.1", port, session.Options{}), view, Options{Names: StaticName("ann")})

	if err := c.Submit("too early"); !errors.Is(err, ErrInputDisabled) {
		t.Fatalf("Submit before connect err = %v, want ErrInputDisabled", err)
	}

	runClient(t, c, context.Background())

	view.expectMessage(t, "ann has joined")
	waitUntil(t, "input is enabled", view.inputEnabled)
	if c.Name() != "ann" {
		t.Errorf("Name = %q, want ann", c.Name())
	}

	if err := c.Submit("hello"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	view.expectMessage(t, "ann: hello")
}

func TestClient_InputDisabledUntilAccepted(t *testing.T) {
	port := startServer(t, false)
	view := newFakeView()

	asked := make(chan struct{})
	answer := make(chan string)
	names := NameFunc(func(ctx context.Context) (string, error) {
		close(asked)
		select {
		case name := <-answer:
			return name, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	c := New(session.New("127.0.0.1", port, session.Options{}), view, Options{Names: names})
	runClient(t, c, context.Background())

	<-asked
	if c.InputEnabled() || view.inputEnabled() {
		t.Fatal("input must stay disabled while the name dialog is open")
	}
	if err := c.Submit("hi"); !errors.Is(err, ErrInputDisabled) {
		t.Fatalf("err = %v, want ErrInputDisabled", err)
	}

	answer <- "ann"
	waitUntil(t, "input is enabled", c.InputEnabled)
}

func TestClient_DuplicateName(t *testing.T) {
	port := startServer(t, false)

	// Hold "ann" with a bare connection.
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)
	r.ReadString('\n') //nolint:errcheck
	conn.Write([]byte("ann\n")) //nolint:errcheck
	if line, _ := r.ReadString('\n'); strings.TrimSpace(line) != "NAMEACCEPTED ann" {
		t.Fatalf("holder got %q", line)
	}

	view := newFakeView()
	offers := []string{"ann", "bob"}
	var mu sync.Mutex
	names := NameFunc(func(context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		name := offers[0]
		offers = offers[1:]
		return name, nil
	})
	c := New(session.New("127.0.0.1", port, session.Options{}), view, Options{Names: names})
	runClient(t, c, context.Background())

	select {
	case err := <-view.errs:
		if !errors.Is(err, ErrNameRejected) {
			t.Errorf("error = %v, want ErrNameRejected", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("rejection was not reported")
	}
	waitUntil(t, "bob is accepted", func() bool { return c.Name() == "bob" })
}

func TestClient_SameNameRejectedTwice(t *testing.T) {
	port := startServer(t, false)

	holder := New(session.New("127.0.0.1", port, session.Options{}), newFakeView(), Options{Names: StaticName("ann")})
	runClient(t, holder, context.Background())
	waitUntil(t, "holder is accepted", holder.InputEnabled)

	c := New(session.New("127.0.0.1", port, session.Options{}), newFakeView(), Options{Names: StaticName("ann")})
	done := runClient(t, c, context.Background())

	select {
	case err := <-done:
		if !errors.Is(err, ErrNameRejected) {
			t.Errorf("Run err = %v, want ErrNameRejected", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not give up on a name the server keeps refusing")
	}
}

func TestClient_DeclinedName(t *testing.T) {
	port := startServer(t, false)
	view := newFakeView()
	sess := session.New("127.0.0.1", port, session.Options{})
	c := New(sess, view, Options{Names: StaticName("  ")})
	done := runClient(t, c, context.Background())

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run err = %v, want nil for a declined name", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	if sess.State() != session.Disconnected {
		t.Errorf("state = %v, want disconnected", sess.State())
	}
}

// TestClient_NameInputEnds covers the user closing stdin at the prompt.
func TestClient_NameInputEnds(t *testing.T) {
	port := startServer(t, false)
	sess := session.New("127.0.0.1", port, session.Options{})
	names := NameFunc(func(context.Context) (string, error) { return "", io.EOF })
	c := New(sess, newFakeView(), Options{Names: names})
	done := runClient(t, c, context.Background())

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run err = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestClient_RawMode(t *testing.T) {
	port := startServer(t, true)
	view := newFakeView()
	c := New(session.New("127.0.0.1", port, session.Options{}), view, Options{Raw: true})
	runClient(t, c, context.Background())

	waitUntil(t, "input is enabled", c.InputEnabled)
	if err := c.Submit("SUBMITNAME"); err != nil {
		t.Fatal(err)
	}
	// Raw mode shows protocol keywords verbatim.
	view.expectMessage(t, "SUBMITNAME")
}

func TestClient_ConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	view := newFakeView()
	c := New(session.New("127.0.0.1", port, session.Options{}), view, Options{Raw: true})
	err = c.Run(context.Background())
	if !errors.IsConnection(err) {
		t.Fatalf("err = %v, want ConnectionError", err)
	}
	select {
	case shown := <-view.errs:
		if shown != err {
			t.Errorf("view shown %v, want %v", shown, err)
		}
	default:
		t.Error("the failure was not shown")
	}
	if c.InputEnabled() {
		t.Error("input must be disabled after a failed connect")
	}
}

func TestClient_PeerHangupDisablesInput(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	hangup := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		<-hangup
		conn.Close()
	}()

	view := newFakeView()
	c := New(session.New("127.0.0.1", ln.Addr().(*net.TCPAddr).Port, session.Options{}), view, Options{Raw: true})
	done := runClient(t, c, context.Background())

	waitUntil(t, "input is enabled", view.inputEnabled)
	close(hangup)

	select {
	case err := <-done:
		if !errors.IsConnection(err) {
			t.Errorf("Run err = %v, want ConnectionError", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after the hang-up")
	}
	if view.inputEnabled() {
		t.Error("input must be disabled once the connection is gone")
	}
}

func TestClient_ContextCancel(t *testing.T) {
	port := startServer(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	c := New(session.New("127.0.0.1", port, session.Options{}), newFakeView(), Options{Raw: true})
	done := runClient(t, c, ctx)

	waitUntil(t, "input is enabled", c.InputEnabled)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run err = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClient_ResumesAfterReconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		first := true
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if first {
				first = false
				conn.Close()
				continue
			}
			go func(c net.Conn) {
				defer c.Close()
				sc := bufio.NewScanner(c)
				for sc.Scan() {
					c.Write([]byte(sc.Text() + "\n")) //nolint:errcheck
				}
			}(conn)
		}
	}()

	view := newFakeView()
	sess := session.New("127.0.0.1", ln.Addr().(*net.TCPAddr).Port, session.Options{
		Reconnect: &retry.Backoff{InitialDelay: 10 * time.Millisecond, MaxAttempts: 5},
	})
	c := New(sess, view, Options{Raw: true})
	done := runClient(t, c, context.Background())

	select {
	case err := <-view.errs:
		if !errors.IsConnection(err) {
			t.Errorf("shown %v, want ConnectionError", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("the drop was not reported")
	}

	waitUntil(t, "the session is back", func() bool {
		return sess.State() == session.Connected && c.InputEnabled()
	})
	if err := c.Submit("back"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	view.expectMessage(t, "back")

	select {
	case err := <-done:
		t.Fatalf("Run returned early: %v", err)
	default:
	}
}

func TestNameAdapters(t *testing.T) {
	name, err := StaticName("ann").ScreenName(context.Background())
	if err != nil || name != "ann" {
		t.Errorf("StaticName = %q, %v", name, err)
	}
	f := NameFunc(func(context.Context) (string, error) { return "bob", nil })
	if name, _ := f.ScreenName(context.Background()); name != "bob" {
		t.Errorf("NameFunc = %q", name)
	}
}

// TestClient_StaleNameAcceptance covers a NAMEACCEPTED that is handled
// only after its connection was replaced by a new one.
func TestClient_StaleNameAcceptance(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		var held []net.Conn
		for {
			conn, err := ln.Accept()
			if err != nil {
				for _, hc := range held {
					hc.Close()
				}
				return
			}
			held = append(held, conn)
		}
	}()

	view := newFakeView()
	sess := session.New("127.0.0.1", ln.Addr().(*net.TCPAddr).Port, session.Options{})
	c := New(sess, view, Options{Names: StaticName("ann")})
	defer c.Close()

	if err := sess.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := sess.ConnID()
	if c.InputEnabled() {
		t.Fatal("input enabled before the name was accepted")
	}

	sess.Close()
	if c.nameAccepted("ann", first) {
		t.Error("acceptance while disconnected should be ignored")
	}
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sess.ConnID() == first {
		t.Fatal("a new connection must get a new ConnID")
	}

	if c.nameAccepted("ann", first) {
		t.Error("acceptance from the first connection should be ignored")
	}
	if c.InputEnabled() || view.inputEnabled() {
		t.Fatal("input enabled before the new connection accepted a name")
	}

	if !c.nameAccepted("ann", sess.ConnID()) {
		t.Fatal("acceptance on the live connection was ignored")
	}
	if !c.InputEnabled() || !view.inputEnabled() {
		t.Error("input should be enabled once the live connection accepts")
	}
	if c.Name() != "ann" {
		t.Errorf("Name = %q, want ann", c.Name())
	}

	sess.Close()
	if c.InputEnabled() || view.inputEnabled() {
		t.Error("Close must disable input")
	}
}
