package client

import (
	"bufio"
	"io"
	"net"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ntripmesh/gocaster/pkg/ntrip/livesource"
)

// State is one node of the client connection state machine, named after
// the states the original ntrip_state FSM walked through on every
// fetcher and pusher connection.
type State int

const (
	StateConnecting State = iota
	StateWaitHTTPStatus
	StateWaitHTTPHeader
	StateRegisterSource
	StateWaitCallbackLine
	StateWaitStreamGet
	StateIdleClient
	StateEnd
	StateForceClose
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateWaitHTTPStatus:
		return "wait_http_status"
	case StateWaitHTTPHeader:
		return "wait_http_header"
	case StateRegisterSource:
		return "register_source"
	case StateWaitCallbackLine:
		return "wait_callback_line"
	case StateWaitStreamGet:
		return "wait_stream_get"
	case StateIdleClient:
		return "idle_client"
	case StateEnd:
		return "end"
	case StateForceClose:
		return "force_close"
	default:
		return "unknown"
	}
}

// LineCallback handles one body line received while in
// StateWaitCallbackLine (e.g. one sourcetable line). Returning true ends
// the transfer, mirroring the original's nonzero line_cb return.
type LineCallback func(line string) (done bool)

// EndCallback is invoked exactly once when the connection's transfer
// concludes, successfully or not.
type EndCallback func(ok bool)

// RequestBody supplies the bytes to send immediately after connecting,
// and the content type/length describing them. A zero RequestBody sends a
// bare GET with Content-Length: 0, as the sourcetable fetcher does.
type RequestBody struct {
	Parts       [][]byte
	Len         int
	ContentType string
}

// Conn bundles the fields the state machine needs to drive one physical
// connection: the request to send on connect, the mountpoint (registering
// a source changes the state path after headers), and the callbacks for
// body lines and end-of-transfer.
type Conn struct {
	Host       string
	Port       int
	URI        string
	Mountpoint string
	Method     string
	TLS        bool

	Credentials *Credentials
	ExtraHeaders []Header

	Body RequestBody

	OnLine LineCallback
	OnEnd  EndCallback

	// OnIdle is called when the state machine reaches StateIdleClient
	// (post-registration, persistent push connection) so a Task can pull
	// its next queued batch. Absent for one-shot fetchers.
	OnIdle func(c *Conn)

	// Livesource, if set, registers Mountpoint on entering
	// StateRegisterSource and releases it when the transfer ends,
	// honoring Persistent/Redistribute for the release decision.
	Livesource   *livesource.Registry
	Persistent   bool
	Redistribute bool

	// ReadTimeout and WriteTimeout, if nonzero, bound every socket read
	// and write via SetReadDeadline/SetWriteDeadline; an expiry surfaces
	// as a KindTimeout error and ends the connection. This is what lets
	// StateIdleClient/StateWaitStreamGet notice a stalled peer instead of
	// blocking forever. ConnectionKeepalive enables TCP keepalive probes
	// on the dialed socket, when it is a *net.TCPConn or wraps one.
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	ConnectionKeepalive bool

	logger      logrus.FieldLogger
	ownSource   *livesource.Handle

	closeMu sync.Mutex
	closed  bool
	netConn net.Conn
	reader  *bufio.Reader
	state   State

	statusCode int
	ntrip1icy  bool
	chunked    bool
	chunkedR   io.Reader
	req        *Request

	receivedBytes int
	sentBytes     int
	lastSend      time.Time
}

// NewConn builds a Conn ready to have Run called on it.
func NewConn(logger logrus.FieldLogger) *Conn {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Conn{logger: logger, state: StateConnecting}
}

// State reports the current FSM state, for tests and status reporting.
func (c *Conn) State() State { return c.state }

// SentBytes reports the cumulative bytes written to the connection.
func (c *Conn) SentBytes() int { return c.sentBytes }

// Close force-closes the connection from outside the read loop,
// unblocking any pending Read and driving Run to return through its
// normal error path. This is the Go shape of the original's
// ntrip_deferred_free called from a Task's stop(): closing the socket is
// enough to unwind the loop, since net.Conn reads return promptly on
// Close from another goroutine.
func (c *Conn) Close() {
	c.closeMu.Lock()
	c.closed = true
	nc := c.netConn
	c.closeMu.Unlock()
	if nc != nil {
		nc.Close()
	}
}

// armReadDeadline arms SetReadDeadline ahead of a blocking read, honoring
// ReadTimeout when set; a zero ReadTimeout leaves reads unbounded.
func (c *Conn) armReadDeadline() {
	if c.ReadTimeout > 0 && c.netConn != nil {
		c.netConn.SetReadDeadline(time.Now().Add(c.ReadTimeout))
	}
}

// armWriteDeadline arms SetWriteDeadline ahead of a blocking write,
// honoring WriteTimeout when set.
func (c *Conn) armWriteDeadline() {
	if c.WriteTimeout > 0 && c.netConn != nil {
		c.netConn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	}
}

// isTimeout reports whether err is a net.Error reporting a deadline
// expiry, the signal armReadDeadline/armWriteDeadline rely on.
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// classifyIOErr tags a read/write failure as KindTimeout if it came from
// an armed deadline expiring, KindTransport otherwise.
func classifyIOErr(op string, err error) *Error {
	if isTimeout(err) {
		return newErr(op, KindTimeout, err)
	}
	return newErr(op, KindTransport, err)
}

// applyKeepalive enables TCP keepalive probes on conn when it is (or
// wraps) a *net.TCPConn, the Go shape of connection_keepalive on the
// plain and TLS-dialed sockets the scheduler hands back.
func applyKeepalive(conn net.Conn, enabled bool) {
	type keepaliveConn interface {
		SetKeepAlive(bool) error
	}
	type netConnUnwrapper interface {
		NetConn() net.Conn
	}
	if kc, ok := conn.(keepaliveConn); ok {
		kc.SetKeepAlive(enabled)
		return
	}
	if u, ok := conn.(netConnUnwrapper); ok {
		if kc, ok := u.NetConn().(keepaliveConn); ok {
			kc.SetKeepAlive(enabled)
		}
	}
}

// Run dials, sends the initial request, and drives the read loop until
// the transfer ends or the connection fails. It always calls OnEnd
// exactly once before returning, matching the single end_cb guarantee
// the original task contract relied on.
func (c *Conn) Run(dial func() (net.Conn, error)) error {
	conn, err := dial()
	if err != nil {
		c.fireEnd(false)
		return newErr("connect", KindTransport, err)
	}

	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		conn.Close()
		c.fireEnd(false)
		return newErr("connect", KindTransport, nil)
	}
	c.netConn = conn
	c.closeMu.Unlock()
	applyKeepalive(conn, c.ConnectionKeepalive)

	c.reader = bufio.NewReaderSize(conn, 4096)
	defer conn.Close()

	if err := c.sendRequest(c.Body); err != nil {
		c.fireEnd(false)
		return err
	}
	c.state = StateWaitHTTPStatus

	ok, err := c.loop()
	c.fireEnd(ok)
	return err
}

func (c *Conn) fireEnd(ok bool) {
	if c.Livesource != nil && c.ownSource != nil {
		c.Livesource.Release(c.ownSource, c.Persistent, c.Redistribute)
		c.ownSource = nil
	}
	if c.OnEnd != nil {
		cb := c.OnEnd
		c.OnEnd = nil
		cb(ok)
	}
}

func (c *Conn) sendRequest(body RequestBody) error {
	spec := RequestSpec{
		Method:        c.Method,
		Host:          c.Host,
		Port:          c.Port,
		URI:           c.URI,
		NtripVersion2: true,
		ContentLength: body.Len,
		ContentType:   body.ContentType,
		ExtraHeaders:  c.ExtraHeaders,
		Credentials:   c.Credentials,
	}
	if spec.Method == "" {
		spec.Method = "GET"
	}
	req, err := BuildRequest(spec)
	if err != nil {
		return err
	}
	for _, line := range RedactedHeaders(spec) {
		c.logger.WithField("line", line).Debug("request header")
	}
	c.armWriteDeadline()
	if _, err := c.netConn.Write(req); err != nil {
		return classifyIOErr("send_request", err)
	}
	for _, part := range body.Parts {
		c.armWriteDeadline()
		if _, err := c.netConn.Write(part); err != nil {
			return classifyIOErr("send_request_body", err)
		}
		c.sentBytes += len(part)
	}
	c.lastSend = time.Now()
	return nil
}

// loop runs the read side of the state machine to completion. It returns
// (true, nil) on a clean end, (false, err) on a failure path, and
// (false, nil) from StateForceClose.
func (c *Conn) loop() (bool, error) {
	for {
		switch c.state {
		case StateWaitHTTPStatus:
			if err := c.readStatusLine(); err != nil {
				return false, err
			}
		case StateWaitHTTPHeader:
			done, err := c.readHeaderLine()
			if err != nil {
				return false, err
			}
			if done {
				continue
			}
		case StateRegisterSource:
			if c.Livesource != nil {
				c.ownSource = c.Livesource.Register(c.Mountpoint)
				c.ownSource.SetRunning()
			}
			c.state = StateIdleClient
			if c.OnIdle != nil {
				c.OnIdle(c)
			}
		case StateWaitCallbackLine:
			end, err := c.readCallbackLine()
			if err != nil {
				if err == io.EOF {
					return true, nil
				}
				return false, classifyIOErr("wait_callback_line", err)
			}
			if end {
				return true, nil
			}
		case StateIdleClient, StateWaitStreamGet:
			// Block until the peer closes, resets, or ReadTimeout
			// expires with the connection otherwise idle; the queue
			// side of the connection is driven out-of-band by
			// pullAndSend.
			c.armReadDeadline()
			_, err := c.reader.ReadByte()
			if err != nil {
				if err == io.EOF {
					return true, nil
				}
				return false, classifyIOErr("idle_client", err)
			}
		case StateEnd:
			return true, nil
		case StateForceClose:
			return false, nil
		}
	}
}

func (c *Conn) readLine() (string, error) {
	c.armReadDeadline()
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Conn) readStatusLine() error {
	line, err := c.readLine()
	if err != nil {
		return classifyIOErr("wait_http_status", err)
	}
	c.logger.WithField("line", line).Debug("received status line")

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return newErr("wait_http_status", KindProtocol, nil)
	}

	if fields[0] == "ERROR" {
		return newErr("wait_http_status", KindProtocol, nil)
	}

	status, err := strconv.Atoi(fields[1])
	if err != nil || len(fields[1]) != 3 {
		return newErr("wait_http_status", KindProtocol, err)
	}
	c.statusCode = status
	c.req = NewRequest()
	c.req.Status = status

	if fields[0] == "ICY" && c.Mountpoint != "" && status == 200 {
		c.ntrip1icy = true
		c.state = StateRegisterSource
		return nil
	}

	if status != 200 {
		return newStatusErr("wait_http_status", status)
	}
	c.state = StateWaitHTTPHeader
	return nil
}

func (c *Conn) readHeaderLine() (bool, error) {
	line, err := c.readLine()
	if err != nil {
		return false, classifyIOErr("wait_http_header", err)
	}

	if line == "" {
		if c.chunked {
			c.chunkedR = httputil.NewChunkedReader(c.reader)
			c.reader = bufio.NewReaderSize(c.chunkedR, 4096)
		}
		switch {
		case c.Mountpoint != "":
			c.state = StateRegisterSource
		case c.OnLine != nil:
			c.state = StateWaitCallbackLine
		default:
			c.state = StateEnd
		}
		return true, nil
	}

	key, value, ok := parseHeader(line)
	if !ok {
		return false, newErr("wait_http_header", KindProtocol, nil)
	}
	if (strings.EqualFold(key, "content-length") || strings.EqualFold(key, "transfer-encoding")) && c.req != nil && c.req.Seen(key) {
		return false, newErr("wait_http_header", KindProtocol, nil)
	}
	if strings.EqualFold(key, "transfer-encoding") && strings.EqualFold(value, "chunked") {
		c.chunked = true
	}
	return false, nil
}

func (c *Conn) readCallbackLine() (bool, error) {
	line, err := c.readLine()
	if err != nil {
		return false, err
	}
	c.receivedBytes += len(line) + 1
	if c.OnLine != nil && c.OnLine(line) {
		return true, nil
	}
	return false, nil
}

// pullAndSend is called whenever the bound Task has new data queued and
// this connection is idle. It pulls one batch, sends the request and
// body for it, and acknowledges the bytes once the write succeeds. Unlike
// the original's deferred ack-on-flush-event, Go's blocking net.Conn.Write
// only returns once the kernel has accepted the bytes, so ack can happen
// synchronously right after the write.
func (c *Conn) pullAndSend(q interface {
	PullBatch() ([][]byte, string, int)
	AckPending() int
}) {
	if c.state != StateIdleClient {
		return
	}
	body, contentType, n := q.PullBatch()
	if n == 0 {
		return
	}

	total := 0
	for _, part := range body {
		total += len(part)
	}

	spec := RequestSpec{
		Method:        c.Method,
		Host:          c.Host,
		Port:          c.Port,
		URI:           c.URI,
		NtripVersion2: true,
		ContentLength: total,
		ContentType:   contentType,
		ExtraHeaders:  c.ExtraHeaders,
		Credentials:   c.Credentials,
	}
	req, err := BuildRequest(spec)
	if err != nil {
		c.logger.WithError(err).Error("failed building bulk request")
		return
	}
	c.armWriteDeadline()
	if _, err := c.netConn.Write(req); err != nil {
		c.logger.WithError(classifyIOErr("bulk_request", err)).Error("failed writing bulk request header")
		return
	}
	for _, part := range body {
		c.armWriteDeadline()
		if _, err := c.netConn.Write(part); err != nil {
			c.logger.WithError(classifyIOErr("bulk_request_body", err)).Error("failed writing bulk request body")
			return
		}
	}
	c.sentBytes += q.AckPending()
	c.lastSend = time.Now()
}

func parseHeader(line string) (key, value string, ok bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}
