package client

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildRequestOrdersHeaders(t *testing.T) {
	req, err := BuildRequest(RequestSpec{
		Method:        "GET",
		Host:          "caster.example.com",
		Port:          2101,
		URI:           "/MOUNT1",
		NtripVersion2: true,
		ContentType:   "application/json",
		Credentials:   &Credentials{User: "u", Password: "p"},
		ExtraHeaders:  []Header{{Key: "X-Custom", Value: "1"}},
	})
	require.NoError(t, err)

	lines := strings.Split(string(req), "\r\n")
	require.Equal(t, "GET /MOUNT1 HTTP/1.1", lines[0])
	require.Contains(t, lines[1], "Host:")
	require.Contains(t, lines[2], "User-Agent:")
	require.Contains(t, lines[3], "Connection: close")
	require.Contains(t, lines[4], "Content-Length:")
	require.Contains(t, lines[5], "Content-Type: application/json")
	require.Contains(t, lines[6], "Ntrip-Version:")
	require.Contains(t, lines[7], "Authorization: Basic")
	require.Contains(t, lines[8], "X-Custom: 1")
}

func TestBuildRequestReturnsOutOfMemoryPastMaxSize(t *testing.T) {
	var headers []Header
	for i := 0; i < 2000; i++ {
		headers = append(headers, Header{Key: "X-Filler", Value: strings.Repeat("a", 64)})
	}

	_, err := BuildRequest(RequestSpec{
		Method:       "GET",
		Host:         "caster.example.com",
		Port:         2101,
		URI:          "/MOUNT1",
		ExtraHeaders: headers,
	})
	require.Error(t, err)

	var cErr *Error
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, KindOutOfMemory, cErr.Kind)
}
