package tunnel

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	cherr "gochat/internal/errors"
	"gochat/util"
)

// gateway is a minimal in-process SSH server that honours remote
// forwards and direct-tcpip channels.
type gateway struct {
	port     int
	conns    chan *ssh.ServerConn
	forwards chan forwardRequest
	cancels  chan forwardRequest
}

func startGateway(t *testing.T) *gateway {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	g := &gateway{
		port:     ln.Addr().(*net.TCPAddr).Port,
		conns:    make(chan *ssh.ServerConn, 4),
		forwards: make(chan forwardRequest, 4),
		cancels:  make(chan forwardRequest, 4),
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go g.serve(c, cfg)
		}
	}()
	return g
}

func (g *gateway) serve(c net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		c.Close()
		return
	}
	defer sconn.Close()
	go g.channels(chans)
	g.conns <- sconn

	for req := range reqs {
		var fr forwardRequest
		switch req.Type {
		case "tcpip-forward":
			ssh.Unmarshal(req.Payload, &fr) //nolint:errcheck
			req.Reply(true, nil)            //nolint:errcheck
			g.forwards <- fr
		case "cancel-tcpip-forward":
			ssh.Unmarshal(req.Payload, &fr) //nolint:errcheck
			req.Reply(true, nil)            //nolint:errcheck
			g.cancels <- fr
		default:
			req.Reply(false, nil) //nolint:errcheck
		}
	}
}

// channels bridges direct-tcpip channels to their target.
func (g *gateway) channels(chans <-chan ssh.NewChannel) {
	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			nc.Reject(ssh.UnknownChannelType, "only direct-tcpip") //nolint:errcheck
			continue
		}
		var target struct {
			Host     string
			Port     uint32
			OrigHost string
			OrigPort uint32
		}
		if err := ssh.Unmarshal(nc.ExtraData(), &target); err != nil {
			nc.Reject(ssh.ConnectionFailed, err.Error()) //nolint:errcheck
			continue
		}
		dst, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
		if err != nil {
			nc.Reject(ssh.ConnectionFailed, err.Error()) //nolint:errcheck
			continue
		}
		ch, reqs, err := nc.Accept()
		if err != nil {
			dst.Close()
			continue
		}
		go ssh.DiscardRequests(reqs)
		go func() {
			io.Copy(ch, dst) //nolint:errcheck
			ch.Close()
		}()
		go func() {
			io.Copy(dst, ch) //nolint:errcheck
			dst.Close()
		}()
	}
}

func connectTunnel(t *testing.T, g *gateway) *SSHTunnel {
	t.Helper()
	keyPath := filepath.Join(t.TempDir(), "id_test")
	writeTestKey(t, keyPath)

	tun := NewSSHTunnel(&SSHConfig{
		User:        "ann",
		Host:        "127.0.0.1",
		Port:        g.port,
		KeyPath:     keyPath,
		ConnTimeout: 2 * time.Second,
		KeepAlive:   50 * time.Millisecond,
	}, util.NewLogger(0))
	if err := tun.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { tun.Close() })
	return tun
}

func TestSSHTunnel_DialThroughGateway(t *testing.T) {
	g := startGateway(t)
	tun := connectTunnel(t, g)

	echo, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer echo.Close()
	go func() {
		c, err := echo.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c) //nolint:errcheck
	}()

	conn, err := tun.Dial(context.Background(), "tcp", echo.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("ping\n")) //nolint:errcheck
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil || line != "ping\n" {
		t.Fatalf("read %q, %v", line, err)
	}
}

func TestSSHTunnel_ListenForwardsConnections(t *testing.T) {
	g := startGateway(t)
	tun := connectTunnel(t, g)

	ln, err := tun.Listen(context.Background(), "", 2222)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	var sconn *ssh.ServerConn
	select {
	case fr := <-g.forwards:
		if fr.Port != 2222 {
			t.Errorf("forward port = %d, want 2222", fr.Port)
		}
		sconn = <-g.conns
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never saw the forward request")
	}

	// The gateway reports a different bind address than was requested.
	opened := make(chan ssh.Channel, 1)
	go func() {
		ch, reqs, err := sconn.OpenChannel("forwarded-tcpip", ssh.Marshal(&forwardedChannel{
			Addr: "0.0.0.0", Port: 2222, OriginAddr: "203.0.113.9", OriginPort: 5555,
		}))
		if err != nil {
			close(opened)
			return
		}
		go ssh.DiscardRequests(reqs)
		opened <- ch
	}()

	conn, err := ln.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	defer conn.Close()
	if got := conn.RemoteAddr().String(); got != "203.0.113.9:5555" {
		t.Errorf("RemoteAddr = %s", got)
	}

	ch, ok := <-opened
	if !ok {
		t.Fatal("gateway could not open the channel")
	}
	defer ch.Close()

	ch.Write([]byte("hello\n")) //nolint:errcheck
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil || line != "hello\n" {
		t.Fatalf("read %q, %v", line, err)
	}

	if err := ln.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case fr := <-g.cancels:
		if fr.Port != 2222 {
			t.Errorf("cancel port = %d", fr.Port)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the forward")
	}
	if _, err := ln.Accept(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Accept after Close = %v, want net.ErrClosed", err)
	}
}

func TestSSHTunnel_OneListenerPerTunnel(t *testing.T) {
	g := startGateway(t)
	tun := connectTunnel(t, g)

	ln, err := tun.Listen(context.Background(), "", 2222)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	if _, err := tun.Listen(context.Background(), "", 2223); err == nil {
		t.Fatal("second Listen on one tunnel should fail")
	}
}

func TestSSHTunnel_ListenBeforeConnect(t *testing.T) {
	tun := NewSSHTunnel(&SSHConfig{Host: "gw"}, util.NewLogger(0))
	_, err := tun.Listen(context.Background(), "", 2222)
	if !cherr.Is(err, cherr.ErrTunnelClosed) {
		t.Fatalf("err = %v, want ErrTunnelClosed", err)
	}
}

func TestSSHTunnel_GatewayGoneEndsAccept(t *testing.T) {
	g := startGateway(t)
	tun := connectTunnel(t, g)

	ln, err := tun.Listen(context.Background(), "", 2222)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	(<-g.conns).Close()

	done := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Accept should fail once the gateway hangs up")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Accept did not return after the gateway hung up")
	}

	deadline := time.Now().Add(2 * time.Second)
	for tun.IsAlive() {
		if time.Now().After(deadline) {
			t.Fatal("tunnel still alive after the gateway hung up")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
