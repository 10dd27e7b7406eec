package caster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourcetableStackReplaceHostAndFlatten(t *testing.T) {
	s := NewSourcetableStack()

	low := &Sourcetable{Mounts: []StreamEntry{{Name: "MP1"}}, Priority: 0}
	high := &Sourcetable{Mounts: []StreamEntry{{Name: "MP2"}}, Priority: 10}

	s.ReplaceHost("low.example.com", 2101, low)
	s.ReplaceHost("high.example.com", 2101, high)

	flat := s.Flatten()
	require.Len(t, flat.Mounts, 2)
	assert.Equal(t, "MP2", flat.Mounts[0].Name, "higher priority table must come first")
	assert.Equal(t, "MP1", flat.Mounts[1].Name)
}

func TestSourcetableStackReplaceHostNilRemoves(t *testing.T) {
	s := NewSourcetableStack()
	s.ReplaceHost("host.example.com", 2101, &Sourcetable{Mounts: []StreamEntry{{Name: "MP1"}}})

	_, ok := s.Get("host.example.com", 2101)
	require.True(t, ok)

	s.ReplaceHost("host.example.com", 2101, nil)
	_, ok = s.Get("host.example.com", 2101)
	assert.False(t, ok)
	assert.Empty(t, s.Flatten().Mounts)
}

func TestSourcetableStackFindMountpointPrefersHigherPriority(t *testing.T) {
	s := NewSourcetableStack()
	s.ReplaceHost("low.example.com", 2101, &Sourcetable{
		Mounts:   []StreamEntry{{Name: "MP1", Bitrate: 1200}},
		Priority: 0,
	})
	s.ReplaceHost("high.example.com", 2101, &Sourcetable{
		Mounts:   []StreamEntry{{Name: "MP1", Bitrate: 9600}},
		Priority: 5,
	})

	m, ok := s.FindMountpoint("MP1")
	require.True(t, ok)
	assert.Equal(t, 9600, m.Bitrate)

	line, ok := s.FindMountpointLine("MP1")
	require.True(t, ok)
	assert.Equal(t, "high.example.com", line.Host)
	assert.Equal(t, 9600, line.BitsPerSecond)
}

func TestSourcetableStackInstallSourcetableParsesBody(t *testing.T) {
	s := NewSourcetableStack()
	body := []byte("STR;MP1;;RTCM 3.2;;;;;;0.00;0.00;0;0;;;;;;\r\nENDSOURCETABLE\r\n")

	n, err := s.InstallSourcetable("caster.example.com", 2101, 3, body)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tbl, ok := s.Get("caster.example.com", 2101)
	require.True(t, ok)
	assert.Equal(t, 3, tbl.Priority)

	s.ClearSourcetable("caster.example.com", 2101)
	_, ok = s.Get("caster.example.com", 2101)
	assert.False(t, ok)
}
