package client

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSourcetableFetchHappyPath(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	go func() {
		buf := make([]byte, 4096)
		n, _ := serverConn.Read(buf)
		_ = n
		serverConn.Write([]byte("SOURCETABLE 200 OK\r\n"))
		serverConn.Write([]byte("Content-Type: text/plain\r\n"))
		serverConn.Write([]byte("\r\n"))
		serverConn.Write([]byte("STR;MOUNT1;desc;RTCM 3;;;;;;0.0;0.0;0;0;sNTRIP;none;N;N;0;\r\n"))
		serverConn.Write([]byte("ENDSOURCETABLE\r\n"))
		serverConn.Close()
	}()

	var lines []string
	c := NewConn(nil)
	c.Host, c.Port, c.URI = "example.test", 2101, "/"
	c.OnLine = func(line string) bool {
		lines = append(lines, line)
		return line == "ENDSOURCETABLE"
	}
	done := make(chan bool, 1)
	c.OnEnd = func(ok bool) { done <- ok }

	err := c.Run(func() (net.Conn, error) { return clientConn, nil })
	require.NoError(t, err)

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnEnd")
	}

	require.Len(t, lines, 2)
	require.Equal(t, "ENDSOURCETABLE", lines[1])
}

func TestNonTwoHundredStatusEndsTransfer(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	go func() {
		buf := make([]byte, 4096)
		serverConn.Read(buf)
		serverConn.Write([]byte("HTTP/1.1 404 Not Found\r\n\r\n"))
		serverConn.Close()
	}()

	c := NewConn(nil)
	c.Host, c.Port, c.URI = "example.test", 2101, "/bad"
	done := make(chan bool, 1)
	c.OnEnd = func(ok bool) { done <- ok }

	err := c.Run(func() (net.Conn, error) { return clientConn, nil })
	require.Error(t, err)

	var cErr *Error
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, KindHTTPStatus, cErr.Kind)
	require.Equal(t, 404, cErr.StatusCode)

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnEnd")
	}
}

func TestNTRIP1ICYPreambleRegistersSource(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	registered := make(chan struct{}, 1)

	go func() {
		buf := make([]byte, 4096)
		serverConn.Read(buf)
		serverConn.Write([]byte("ICY 200 OK\r\n"))
		<-registered
		serverConn.Close()
	}()

	c := NewConn(nil)
	c.Host, c.Port, c.URI = "example.test", 2101, "/MOUNT1"
	c.Mountpoint = "MOUNT1"
	idleHit := make(chan struct{}, 1)
	c.OnIdle = func(conn *Conn) { idleHit <- struct{}{} }
	done := make(chan bool, 1)
	c.OnEnd = func(ok bool) { done <- ok }

	go c.Run(func() (net.Conn, error) { return clientConn, nil })

	select {
	case <-idleHit:
	case <-time.After(2 * time.Second):
		t.Fatal("never reached idle state after ICY preamble")
	}
	require.Equal(t, StateIdleClient, c.State())
	registered <- struct{}{}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnEnd")
	}
}

// TestIdleClientEndsOnReadTimeout confirms a stalled peer past
// StateIdleClient trips ReadTimeout instead of blocking forever, the
// scenario a zero ReadTimeout previously left unreachable.
func TestIdleClientEndsOnReadTimeout(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	go func() {
		buf := make([]byte, 4096)
		serverConn.Read(buf)
		serverConn.Write([]byte("ICY 200 OK\r\n"))
		// Then go silent; never write or close, forcing the idle read to
		// rely on ReadTimeout to notice.
	}()

	c := NewConn(nil)
	c.Host, c.Port, c.URI = "example.test", 2101, "/MOUNT1"
	c.Mountpoint = "MOUNT1"
	c.ReadTimeout = 50 * time.Millisecond
	done := make(chan bool, 1)
	c.OnEnd = func(ok bool) { done <- ok }

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(func() (net.Conn, error) { return clientConn, nil }) }()

	select {
	case err := <-errCh:
		require.Error(t, err)
		var cErr *Error
		require.ErrorAs(t, err, &cErr)
		require.Equal(t, KindTimeout, cErr.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("connection never timed out waiting on idle peer")
	}

	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnEnd")
	}
}
