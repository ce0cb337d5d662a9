package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"gochat/internal/chat"
	"gochat/internal/server"
	"gochat/internal/session"
)

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type recorder struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (r *recorder) Submit(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.lines = append(r.lines, text)
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
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

func (c *Console) namePending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nameReq != nil
}

func TestConsole_RunSubmitsLines(t *testing.T) {
	in := strings.NewReader("hello\n\n   \nsecond line\r\n/quit\nnever sent\n")
	c := New(in, io.Discard)
	rec := &recorder{}

	if err := c.Run(context.Background(), rec); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := strings.Join(rec.got(), "|")
	if got != "hello|second line" {
		t.Errorf("submitted %q", got)
	}
}

func TestConsole_RunEndsOnEOF(t *testing.T) {
	c := New(strings.NewReader("only\n"), io.Discard)
	rec := &recorder{}
	if err := c.Run(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if len(rec.got()) != 1 {
		t.Errorf("submitted %v", rec.got())
	}
}

func TestConsole_RunShowsSubmitErrors(t *testing.T) {
	out := &syncBuffer{}
	c := New(strings.NewReader("hi\n"), out)
	rec := &recorder{err: errors.New("input is disabled")}

	c.Run(context.Background(), rec) //nolint:errcheck
	if !strings.Contains(out.String(), "! input is disabled") {
		t.Errorf("output %q", out.String())
	}
}

func TestConsole_RunContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := New(pr, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, &recorder{}) }()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConsole_NamePromptTakesPrecedence(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	out := &syncBuffer{}
	c := New(pr, out)
	rec := &recorder{}

	go c.Run(context.Background(), rec) //nolint:errcheck

	nameCh := make(chan string, 1)
	go func() {
		name, err := c.ScreenName(context.Background())
		if err != nil {
			t.Errorf("ScreenName: %v", err)
		}
		nameCh <- name
	}()
	waitUntil(t, "the prompt is pending", c.namePending)

	io.WriteString(pw, "ann\n") //nolint:errcheck
	select {
	case name := <-nameCh:
		if name != "ann" {
			t.Errorf("name = %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ScreenName did not return")
	}
	if !strings.Contains(out.String(), "Choose a screen name: ") {
		t.Errorf("no prompt in %q", out.String())
	}

	io.WriteString(pw, "hi all\n") //nolint:errcheck
	waitUntil(t, "the chat line is submitted", func() bool { return len(rec.got()) == 1 })
	if got := rec.got()[0]; got != "hi all" {
		t.Errorf("submitted %q", got)
	}
}

func TestConsole_ScreenNameEOF(t *testing.T) {
	c := New(strings.NewReader(""), io.Discard)
	if _, err := c.ScreenName(context.Background()); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestConsole_ScreenNameCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	c := New(pr, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.ScreenName(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if c.namePending() {
		t.Error("a cancelled prompt must not swallow the next line")
	}
}

func TestConsole_View(t *testing.T) {
	out := &syncBuffer{}
	c := New(strings.NewReader(""), out)

	c.ShowState(session.Connecting)
	c.ShowState(session.Connected)
	c.SetInputEnabled(true)
	c.ShowMessage("ann: hi")
	c.ShowError(errors.New("boom"))
	c.ShowState(session.Failed)
	c.ShowState(session.Disconnected)

	want := "* connecting...\n* connected\nann: hi\n! boom\n* disconnected\n"
	if got := out.String(); got != want {
		t.Errorf("output:\n%s\nwant:\n%s", got, want)
	}
}

func TestConsole_ImplementsChatInterfaces(t *testing.T) {
	var _ chat.View = (*Console)(nil)
	var _ chat.NameProvider = (*Console)(nil)
	var _ Submitter = (*chat.Client)(nil)
}

func TestConsole_EndToEnd(t *testing.T) {
	srv, err := server.New(server.Options{})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln) //nolint:errcheck

	pr, pw := io.Pipe()
	defer pw.Close()
	out := &syncBuffer{}
	con := New(pr, out)

	sess := session.New("127.0.0.1", ln.Addr().(*net.TCPAddr).Port, session.Options{})
	client := chat.New(sess, con, chat.Options{Names: con})

	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()
	go con.Run(ctx, client) //nolint:errcheck

	waitUntil(t, "the name prompt", con.namePending)
	io.WriteString(pw, "ann\n") //nolint:errcheck
	waitUntil(t, "ann joins", func() bool { return strings.Contains(out.String(), "ann has joined") })

	io.WriteString(pw, "hello room\n") //nolint:errcheck
	waitUntil(t, "the broadcast", func() bool { return strings.Contains(out.String(), "ann: hello room") })

	client.Close()
	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("client did not stop")
	}
}
