// Package console is a line-oriented terminal front end: it implements
// chat.View and chat.NameProvider over a reader and a writer, and feeds
// typed lines to the chat client.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"gochat/internal/session"
)

// QuitCommand ends the chat.
const QuitCommand = "/quit"

// Submitter accepts user-entered text.
type Submitter interface {
	Submit(text string) error
}

// Console reads user lines from in and renders chat output to out.
// A single goroutine reads in; while a name prompt is pending the next
// line answers it instead of being sent as chat text.
type Console struct {
	in          io.Reader
	out         io.Writer
	interactive bool

	start sync.Once
	input chan string
	eof   chan struct{}

	mu      sync.Mutex // guards out, nameReq and enabled
	nameReq chan string
	enabled bool
}

// New creates a console.  Prompts are printed only when in is a
// terminal.
func New(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:          in,
		out:         out,
		interactive: isTerminal(in),
		input:       make(chan string, 16),
		eof:         make(chan struct{}),
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (c *Console) readLoop() {
	defer close(c.eof)
	defer close(c.input)

	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")

		c.mu.Lock()
		req := c.nameReq
		c.nameReq = nil
		c.mu.Unlock()

		if req != nil {
			req <- line
			continue
		}
		c.input <- line
	}
}

// ── chat.NameProvider ────────────────────────────────────────────────

// ScreenName prompts for a name and returns the next line typed.
func (c *Console) ScreenName(ctx context.Context) (string, error) {
	c.start.Do(func() { go c.readLoop() })

	req := make(chan string, 1)
	c.mu.Lock()
	c.nameReq = req
	c.printf("Choose a screen name: ")
	c.mu.Unlock()

	select {
	case name := <-req:
		return name, nil
	case <-c.eof:
		// The reader may have answered just before it stopped.
		select {
		case name := <-req:
			return name, nil
		default:
			return "", io.EOF
		}
	case <-ctx.Done():
		c.mu.Lock()
		if c.nameReq == req {
			c.nameReq = nil
		}
		c.mu.Unlock()
		return "", ctx.Err()
	}
}

// ── chat.View ────────────────────────────────────────────────────────

func (c *Console) SetInputEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	if enabled && c.interactive {
		c.printf("> ")
	}
}

func (c *Console) ShowMessage(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf("%s\n", text)
	if c.enabled && c.interactive {
		c.printf("> ")
	}
}

func (c *Console) ShowState(state session.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch state {
	case session.Connecting:
		c.printf("* connecting...\n")
	case session.Connected:
		c.printf("* connected\n")
	case session.Disconnected:
		c.printf("* disconnected\n")
	}
}

func (c *Console) ShowError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf("! %v\n", err)
}

// printf writes to out.  Callers hold c.mu.
func (c *Console) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}

// ── Input loop ───────────────────────────────────────────────────────

// Run feeds typed lines to sub until the input ends, the user types
// /quit or ctx is done.  Blank lines are ignored; failed submissions
// are shown and do not stop the loop.
func (c *Console) Run(ctx context.Context, sub Submitter) error {
	c.start.Do(func() { go c.readLoop() })

	for {
		select {
		case line, ok := <-c.input:
			if !ok {
				return nil
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if text == QuitCommand {
				return nil
			}
			if err := sub.Submit(line); err != nil {
				c.ShowError(err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
