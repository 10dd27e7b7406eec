package caster

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestCasterSourcetable(t *testing.T) {
	// Create a new source service
	svc := NewInMemorySourceService()
	svc.Sourcetable = Sourcetable{
		Casters: []CasterEntry{
			{
				Host:       "localhost",
				Port:       2101,
				Identifier: "Test Caster",
				Operator:   "Test",
				NMEA:       true,
				Country:    "USA",
				Latitude:   37.7749,
				Longitude:  -122.4194,
			},
		},
		Networks: []NetworkEntry{
			{
				Identifier:          "TEST",
				Operator:            "Test",
				Authentication:      "B",
				Fee:                 false,
				NetworkInfoURL:      "http://example.com",
				StreamInfoURL:       "http://example.com/streams",
				RegistrationAddress: "admin@example.com",
			},
		},
		Mounts: []StreamEntry{
			{
				Name:           "TEST",
				Identifier:     "TEST",
				Format:         "RTCM 3.3",
				FormatDetails:  "1004(1),1005/1006(5)",
				Carrier:        "2",
				NavSystem:      "GPS+GLO",
				Network:        "TEST",
				CountryCode:    "USA",
				Latitude:       37.7749,
				Longitude:      -122.4194,
				NMEA:           true,
				Solution:       false,
				Generator:      "Test",
				Compression:    "none",
				Authentication: "B",
				Fee:            false,
				Bitrate:        9600,
			},
		},
	}

	// Create a new caster
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	caster := NewCaster("N/A", svc, logger)

	// Create a test server
	ts := httptest.NewServer(caster.Handler)
	defer ts.Close()

	// Send a request to get the sourcetable
	resp, err := http.Get(ts.URL)
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Read the response body
	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	resp.Body.Close()

	// Check that the response contains the sourcetable
	assert.Contains(t, string(body), "CAS;localhost;2101;Test Caster;Test;1;USA;37.7749;-122.4194")
	assert.Contains(t, string(body), "NET;TEST;Test;B;N;http://example.com;http://example.com/streams;admin@example.com")
	assert.Contains(t, string(body), "STR;TEST;TEST;RTCM 3.3;1004(1),1005/1006(5);2;GPS+GLO;TEST;USA;37.7749;-122.4194;1;0;Test;none;B;N;9600")
	assert.Contains(t, string(body), "ENDSOURCETABLE")
}

func TestCasterSourcetableOnly(t *testing.T) {
	// Create a new source service
	svc := NewInMemorySourceService()
	svc.Sourcetable = Sourcetable{
		Mounts: []StreamEntry{
			{
				Name:       "TEST",
				Identifier: "TEST",
				Format:     "RTCM 3.3",
			},
		},
	}

	// Create a new caster
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	caster := NewCaster("N/A", svc, logger)

	// Create a test server
	ts := httptest.NewServer(caster.Handler)
	defer ts.Close()

	// Send a request to get the sourcetable
	resp, err := http.Get(ts.URL + "/")
	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	// Read the response body
	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)

	// Check that the response contains the mount
	assert.Contains(t, string(body), "STR;TEST;TEST;RTCM 3.3")
}

func TestCasterNotFound(t *testing.T) {
	// Create a new source service
	svc := NewInMemorySourceService()
	svc.Sourcetable = Sourcetable{
		Mounts: []StreamEntry{
			{
				Name:       "TEST",
				Identifier: "TEST",
				Format:     "RTCM 3.3",
			},
		},
	}

	// Create a new caster
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	caster := NewCaster("N/A", svc, logger)

	// Create a test server
	ts := httptest.NewServer(caster.Handler)
	defer ts.Close()

	// Send a request to a non-existent mountpoint
	resp, err := http.Get(ts.URL + "/NONEXISTENT")
	assert.NoError(t, err)

	// For NTRIP v1, a 404 is returned as a 200 with the sourcetable
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Read the response body
	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	resp.Body.Close()

	// Check that the response is a sourcetable
	assert.Contains(t, string(body), "SOURCETABLE 200 OK")
	assert.Contains(t, string(body), "ENDSOURCETABLE")
}

func TestNewCasterWithConfigSetsTimeouts(t *testing.T) {
	svc := NewInMemorySourceService()
	logger := logrus.New()

	c := NewCasterWithConfig("N/A", svc, logger, Config{
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	assert.Equal(t, 2*time.Second, c.ReadTimeout)
	assert.Equal(t, 3*time.Second, c.WriteTimeout)

	// NewCaster still defaults to disabled timeouts, matching the old
	// commented-out behavior.
	plain := NewCaster("N/A", svc, logger)
	assert.Zero(t, plain.ReadTimeout)
	assert.Zero(t, plain.WriteTimeout)
}

// stubRouter is a minimal MountpointRouter for exercising the handler's
// routing-aware logging without pulling in a full SourcetableStack.
type stubRouter struct {
	SourceService
	line SourceLine
	ok   bool
}

func (r *stubRouter) FindMountpointLine(name string) (SourceLine, bool) {
	return r.line, r.ok
}

func TestHandlerLogsUpstreamRoutingWhenAvailable(t *testing.T) {
	svc := NewInMemorySourceService()
	router := &stubRouter{
		SourceService: svc,
		line:          SourceLine{Host: "upstream.example.com", Port: 2101},
		ok:            true,
	}

	var logbuf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&logbuf)
	logger.SetLevel(logrus.InfoLevel)

	c := NewCaster("N/A", router, logger)
	ts := httptest.NewServer(c.Handler)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/TEST", bytes.NewBufferString("data"))
	assert.NoError(t, err)
	req.Header.Set(NTRIPVersionHeaderKey, NTRIPVersionHeaderValueV2)
	resp, err := http.DefaultClient.Do(req)
	assert.NoError(t, err)
	resp.Body.Close()

	assert.Contains(t, logbuf.String(), "upstream.example.com")
	assert.Contains(t, logbuf.String(), "publisher connected")
}

func TestInMemorySourceServiceRejectsSubscriberBeforePublisher(t *testing.T) {
	svc := NewInMemorySourceService()

	// No publisher has ever connected to "TEST", so the livesource
	// registry has no Running entry for it yet.
	_, err := svc.Subscriber(context.Background(), "TEST", "", "")
	assert.Equal(t, ErrorNotFound, err)

	pub, err := svc.Publisher(context.Background(), "TEST", "", "")
	assert.NoError(t, err)

	sub, err := svc.Subscriber(context.Background(), "TEST", "", "")
	assert.NoError(t, err)
	assert.NotNil(t, sub)

	assert.NoError(t, pub.Close())

	// Closing the publisher releases the livesource handle, so a
	// subsequent subscribe is rejected again.
	_, err = svc.Subscriber(context.Background(), "TEST", "", "")
	assert.Equal(t, ErrorNotFound, err)
}
