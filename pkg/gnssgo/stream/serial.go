// Package stream provides the serial-device transport the fetcher uses
// to read local telemetry ahead of pushing it upstream through a Task.
package stream

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// Default serial port settings
const (
	defaultBaudRate = 9600
	defaultDataBits = 8
	defaultStopBits = 1
	defaultTimeout  = 100 * time.Millisecond
)

// SerialComm is one open serial device, the Go shape of the original's
// serial-backed stream port: OpenSerial returns one of these, and
// Read/Write/Close operate on it directly rather than through the
// broader multi-transport Stream abstraction the rest of the GNSS
// stream package implemented.
type SerialComm struct {
	serialio serial.Port
	err      int
	lock     sync.Mutex
	mode     *serial.Mode
	timeout  time.Duration
}

// trace routes OpenSerial/ReadSerial/WriteSerial diagnostics through
// logrus at a level matching the original's numeric trace level, rather
// than the no-op Tracet placeholder this package used to call into.
func trace(level int, format string, args ...interface{}) {
	switch {
	case level <= 1:
		logrus.Errorf(format, args...)
	case level == 2:
		logrus.Warnf(format, args...)
	case level == 3:
		logrus.Infof(format, args...)
	default:
		logrus.Debugf(format, args...)
	}
}

// OpenSerial opens a serial port.
// path format: port[:brate[:bsize[:parity[:stopb[:fctr]]]]]
func OpenSerial(path string, modeFlag int, msg *string) *SerialComm {
	var (
		seri                  = &SerialComm{}
		brate, bsize, stopb   = defaultBaudRate, defaultDataBits, defaultStopBits
		parity                = 'N'
		port, fctr            string
		flowControl           bool
	)

	trace(3, "OpenSerial: path=%s mode=%d\n", path, modeFlag)

	index := strings.Index(path, ":")
	if index > 0 {
		port = path[:index]
		parts := strings.Split(path[index+1:], ":")

		if len(parts) > 0 && parts[0] != "" {
			fmt.Sscanf(parts[0], "%d", &brate)
		}
		if len(parts) > 1 && parts[1] != "" {
			fmt.Sscanf(parts[1], "%d", &bsize)
		}
		if len(parts) > 2 && parts[2] != "" {
			fmt.Sscanf(parts[2], "%c", &parity)
		}
		if len(parts) > 3 && parts[3] != "" {
			fmt.Sscanf(parts[3], "%d", &stopb)
		}
		if len(parts) > 4 && parts[4] != "" {
			fctr = parts[4]
		}
	} else {
		port = path
	}

	if brate <= 0 {
		brate = defaultBaudRate
	}
	if bsize <= 0 {
		bsize = defaultDataBits
	}
	if stopb <= 0 {
		stopb = defaultStopBits
	}
	if strings.Contains(strings.ToLower(fctr), "rts") {
		flowControl = true
	}

	serialMode := &serial.Mode{
		BaudRate: brate,
		DataBits: bsize,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	switch stopb {
	case 2:
		serialMode.StopBits = serial.TwoStopBits
	default:
		serialMode.StopBits = serial.OneStopBit
	}
	switch parity {
	case 'E', 'e':
		serialMode.Parity = serial.EvenParity
	case 'O', 'o':
		serialMode.Parity = serial.OddParity
	default:
		serialMode.Parity = serial.NoParity
	}

	seri.mode = serialMode
	seri.timeout = defaultTimeout

	s, err := serial.Open(port, serialMode)
	if err != nil {
		*msg = fmt.Sprintf("serial port open error: %s", err.Error())
		trace(1, "OpenSerial: %s path=%s\n", *msg, path)
		seri.err = 1
		return nil
	}
	s.SetReadTimeout(seri.timeout)

	seri.serialio = s
	seri.err = 0

	trace(3, "OpenSerial: port=%s baud=%d data=%d parity=%c stop=%d flow=%v\n",
		port, brate, bsize, parity, stopb, flowControl)
	return seri
}

// CloseSerial closes a serial port.
func (seri *SerialComm) CloseSerial() {
	trace(3, "CloseSerial:\n")
	if seri == nil || seri.serialio == nil {
		return
	}
	seri.serialio.Close()
	seri.serialio = nil
}

// ReadSerial reads data from a serial port.
func (seri *SerialComm) ReadSerial(buff []byte, n int, msg *string) int {
	trace(4, "ReadSerial: n=%d\n", n)
	if seri == nil || seri.serialio == nil {
		return 0
	}

	seri.lock.Lock()
	defer seri.lock.Unlock()

	nr, err := seri.serialio.Read(buff[:n])
	if err != nil {
		*msg = fmt.Sprintf("serial read error: %s", err.Error())
		seri.err = 1
		trace(2, "ReadSerial: error: %s\n", err.Error())
		return 0
	}
	seri.err = 0
	return nr
}

// WriteSerial writes data to a serial port.
func (seri *SerialComm) WriteSerial(buff []byte, n int, msg *string) int {
	trace(3, "WriteSerial: n=%d\n", n)
	if seri == nil || seri.serialio == nil || n <= 0 {
		return 0
	}

	seri.lock.Lock()
	defer seri.lock.Unlock()

	ns, err := seri.serialio.Write(buff[:n])
	if err != nil {
		*msg = fmt.Sprintf("serial write error: %s", err.Error())
		seri.err = 1
		trace(2, "WriteSerial: error: %s\n", err.Error())
		return 0
	}
	seri.err = 0
	return ns
}

// StateXSerial returns the state of a serial port.
func (seri *SerialComm) StateXSerial(msg *string) int {
	return seri.err
}
