package caster

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// ParseSourcetable reads a sourcetable response body line by line,
// accumulating CAS/NET/STR entries until it sees ENDSOURCETABLE (or EOF),
// the same grammar StreamEntry.String/CasterEntry.String/NetworkEntry.String
// serialize on the server side. It returns the parsed table and the number
// of STR (mountpoint) entries found, the count the sourcetable fetcher logs.
func ParseSourcetable(r io.Reader) (*Sourcetable, int, error) {
	st := &Sourcetable{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if line == "ENDSOURCETABLE" {
			break
		}
		fields := strings.Split(line, ";")
		switch fields[0] {
		case "CAS":
			if c, ok := parseCasterEntry(fields); ok {
				st.Casters = append(st.Casters, c)
			}
		case "NET":
			if n, ok := parseNetworkEntry(fields); ok {
				st.Networks = append(st.Networks, n)
			}
		case "STR":
			if m, ok := parseStreamEntry(fields); ok {
				st.Mounts = append(st.Mounts, m)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	return st, len(st.Mounts), nil
}

func parseCasterEntry(f []string) (CasterEntry, bool) {
	if len(f) < 12 {
		return CasterEntry{}, false
	}
	port, _ := strconv.Atoi(f[2])
	fallbackPort, _ := strconv.Atoi(f[10])
	lat, _ := strconv.ParseFloat(f[7], 32)
	lon, _ := strconv.ParseFloat(f[8], 32)
	return CasterEntry{
		Host:                f[1],
		Port:                port,
		Identifier:          f[3],
		Operator:            f[4],
		NMEA:                f[5] == "1",
		Country:             f[6],
		Latitude:            float32(lat),
		Longitude:           float32(lon),
		FallbackHostAddress: f[9],
		FallbackHostPort:    fallbackPort,
		Misc:                f[11],
	}, true
}

func parseNetworkEntry(f []string) (NetworkEntry, bool) {
	if len(f) < 9 {
		return NetworkEntry{}, false
	}
	return NetworkEntry{
		Identifier:          f[1],
		Operator:            f[2],
		Authentication:      f[3],
		Fee:                 f[4] == "Y",
		NetworkInfoURL:      f[5],
		StreamInfoURL:       f[6],
		RegistrationAddress: f[7],
		Misc:                f[8],
	}, true
}

func parseStreamEntry(f []string) (StreamEntry, bool) {
	if len(f) < 19 {
		return StreamEntry{}, false
	}
	lat, _ := strconv.ParseFloat(f[9], 32)
	lon, _ := strconv.ParseFloat(f[10], 32)
	bitrate, _ := strconv.Atoi(f[17])
	return StreamEntry{
		Name:           f[1],
		Identifier:     f[2],
		Format:         f[3],
		FormatDetails:  f[4],
		Carrier:        f[5],
		NavSystem:      f[6],
		Network:        f[7],
		CountryCode:    f[8],
		Latitude:       float32(lat),
		Longitude:      float32(lon),
		NMEA:           f[11] == "1",
		Solution:       f[12] == "1",
		Generator:      f[13],
		Compression:    f[14],
		Authentication: f[15],
		Fee:            f[16] == "Y",
		Bitrate:        bitrate,
		Misc:           f[18],
	}, true
}
