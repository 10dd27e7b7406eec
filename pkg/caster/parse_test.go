package caster

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSourcetableRoundTrip(t *testing.T) {
	body := strings.Join([]string{
		"CAS;caster.example.com;2101;Example;Example Networks;0;USA;37.7749;-122.4194;;0;misc",
		"NET;EX;Example Networks;B;N;http://example.com;http://example.com/streams;admin@example.com;",
		"STR;MP1;;RTCM 3.2;;;;;;0.00;0.00;0;0;;;;;;",
		"ENDSOURCETABLE",
	}, "\r\n")

	st, n, err := ParseSourcetable(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, st.Casters, 1)
	require.Len(t, st.Networks, 1)
	require.Len(t, st.Mounts, 1)

	assert.Equal(t, "caster.example.com", st.Casters[0].Host)
	assert.Equal(t, 2101, st.Casters[0].Port)
	assert.Equal(t, "misc", st.Casters[0].Misc)

	assert.Equal(t, "EX", st.Networks[0].Identifier)
	assert.Equal(t, "admin@example.com", st.Networks[0].RegistrationAddress)

	assert.Equal(t, "MP1", st.Mounts[0].Name)
	assert.Equal(t, "RTCM 3.2", st.Mounts[0].Format)
	assert.False(t, st.Mounts[0].NMEA)
}

func TestParseSourcetableStopsAtEndMarker(t *testing.T) {
	body := "STR;MP1;;RTCM 3.2;;;;;;0.00;0.00;0;0;;;;;;\r\nENDSOURCETABLE\r\nSTR;MP2;;RTCM 3.2;;;;;;0.00;0.00;0;0;;;;;;\r\n"

	st, n, err := ParseSourcetable(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, st.Mounts, 1)
	assert.Equal(t, "MP1", st.Mounts[0].Name)
}

func TestParseSourcetableDropsShortLines(t *testing.T) {
	body := "STR;MP1;too;short\r\nENDSOURCETABLE\r\n"

	st, n, err := ParseSourcetable(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, st.Mounts)
}
