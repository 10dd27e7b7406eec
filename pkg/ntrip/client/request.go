package client

import (
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	ntripVersionHeader = "Ntrip/2.0"
	userAgent          = "NTRIP gocaster-fetcher/1.0"
)

// Header is one extra request header in insertion order. Tasks collect
// these in a slice rather than a map so BuildRequest can emit them in the
// same order they were added, matching the original's TAILQ_FOREACH over
// st->task->headers.
type Header struct {
	Key   string
	Value string
}

// Credentials is a Basic-auth username/password pair bound to a host, the
// Go analogue of the caster's host_auth table.
type Credentials struct {
	User     string
	Password string
}

// CredentialTable resolves Basic-auth credentials by host, doing a
// case-insensitive lookup the way the original scanned its auth_entry
// array with strcasecmp.
type CredentialTable map[string]Credentials

// Lookup returns the credentials registered for host, if any.
func (t CredentialTable) Lookup(host string) (Credentials, bool) {
	c, ok := t[strings.ToLower(host)]
	return c, ok
}

// Add registers credentials for host (case-insensitively).
func (t CredentialTable) Add(host, user, password string) {
	t[strings.ToLower(host)] = Credentials{User: user, Password: password}
}

// RequestSpec carries everything BuildRequest needs to render a request
// line and headers for one outbound NTRIP request.
type RequestSpec struct {
	Method        string
	Host          string
	Port          int
	URI           string
	NtripVersion2 bool
	ContentLength int
	ContentType   string
	ExtraHeaders  []Header
	Credentials   *Credentials
}

// maxRequestSize bounds how large a rendered request line plus headers
// may grow; a task with enough extra headers to exceed it is treated
// the way the original treated a failed header-buffer allocation.
const maxRequestSize = 1 << 16

// BuildRequest renders the full HTTP request line plus headers, in the
// exact order the original fixed: Host, User-Agent, Connection,
// Content-Length, [Content-Type], [Ntrip-Version], [Authorization], then
// any task-supplied extra headers, terminated by a blank line. The only
// error it returns is KindOutOfMemory, when the rendered request grows
// past maxRequestSize while the extra headers are appended; the size is
// not checked before that point.
func BuildRequest(spec RequestSpec) ([]byte, error) {
	var b strings.Builder

	method := spec.Method
	if method == "" {
		method = "GET"
	}
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, spec.URI)

	hostPort := net.JoinHostPort(spec.Host, strconv.Itoa(spec.Port))
	writeHeader(&b, "Host", hostPort)
	writeHeader(&b, "User-Agent", userAgent)
	writeHeader(&b, "Connection", "close")
	writeHeader(&b, "Content-Length", strconv.Itoa(spec.ContentLength))
	if spec.ContentType != "" {
		writeHeader(&b, "Content-Type", spec.ContentType)
	}
	if spec.NtripVersion2 {
		writeHeader(&b, "Ntrip-Version", ntripVersionHeader)
	}
	if spec.Credentials != nil {
		writeHeader(&b, "Authorization", basicAuthValue(spec.Credentials.User, spec.Credentials.Password))
	}

	for _, h := range spec.ExtraHeaders {
		writeHeader(&b, h.Key, h.Value)
		if b.Len() > maxRequestSize {
			return nil, newErr("build_request", KindOutOfMemory,
				fmt.Errorf("request exceeds %d bytes", maxRequestSize))
		}
	}

	b.WriteString("\r\n")
	return []byte(b.String()), nil
}

// RedactedHeaders renders spec's headers as "Key: Value" lines suitable
// for debug logging, eliding the Authorization value the way
// ntripcli.c's display_headers elides it before writing to the log.
func RedactedHeaders(spec RequestSpec) []string {
	var lines []string
	add := func(key, value string) {
		if strings.EqualFold(key, "authorization") {
			value = "*****"
		}
		lines = append(lines, key+": "+value)
	}

	hostPort := net.JoinHostPort(spec.Host, strconv.Itoa(spec.Port))
	add("Host", hostPort)
	add("User-Agent", userAgent)
	add("Connection", "close")
	add("Content-Length", strconv.Itoa(spec.ContentLength))
	if spec.ContentType != "" {
		add("Content-Type", spec.ContentType)
	}
	if spec.NtripVersion2 {
		add("Ntrip-Version", ntripVersionHeader)
	}
	if spec.Credentials != nil {
		add("Authorization", basicAuthValue(spec.Credentials.User, spec.Credentials.Password))
	}
	for _, h := range spec.ExtraHeaders {
		add(h.Key, h.Value)
	}
	return lines
}

func writeHeader(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}

func basicAuthValue(user, password string) string {
	raw := user + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// Request is a minimal per-fetch parsing context, the Go shape of
// request.c's `struct request{hash, status}`: it tracks the response
// status code and which header keys have already been seen so a
// duplicated header can be rejected as malformed, the way the original
// used its header hash to reject a second Content-Length or
// Transfer-Encoding line.
type Request struct {
	Status int
	seen   map[string]struct{}
}

// NewRequest builds an empty parsing context for one response.
func NewRequest() *Request {
	return &Request{seen: make(map[string]struct{})}
}

// Seen records key (case-insensitively) and reports whether it was
// already seen on this request, i.e. whether this header is a
// duplicate.
func (r *Request) Seen(key string) (duplicate bool) {
	k := strings.ToLower(key)
	if _, ok := r.seen[k]; ok {
		return true
	}
	r.seen[k] = struct{}{}
	return false
}

