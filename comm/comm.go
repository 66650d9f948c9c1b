/*Package comm provides connection pooling and io wrappers for communication with lab hardware.

Most usages of this package will boil down to:
	1.  make a CreationFunc for the device, with SerialConnMaker or TCPConnMaker
	2.  put it in a Pool sized for what the device tolerates (usually 1)
	3.  for each exchange, Get a conn, wrap it with NewTimeout and NewTerminator,
		then ReturnWithError when done

A minimal example is provided below for a sensor that responds to "RD?" with
a reading terminated by a carriage return

	pool := comm.NewPool(1, time.Minute, comm.TCPConnMaker("192.168.100.2:2001", 3*time.Second))
	conn, err := pool.Get()
	if err != nil {
		return err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	rw := comm.NewTerminator(comm.NewTimeout(conn, time.Second), "\r", "\r")
	_, err = io.WriteString(rw, "RD?")
	...
*/
package comm

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

var (
	// ErrTerminatorNotFound is generated when the termination sequence is not found in a response
	ErrTerminatorNotFound = errors.New("termination sequence not found")

	// ErrEmptyTerminator is generated when a Terminator is asked to read without an Rx terminator
	ErrEmptyTerminator = errors.New("rx terminator is empty")
)

// openBackoff is the retry schedule used when opening connections.
// some devices (serial port servers in particular) do not like being
// connection thrashed, so the intervals are gentle.
func openBackoff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock}
}

// Retry wraps a CreationFunc so that failed opens are retried with an
// exponential backoff.  A refused connection is not retried, since that
// will not fix itself in a few seconds.
func Retry(maker CreationFunc) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn io.ReadWriteCloser
		op := func() error {
			c, err := maker()
			if err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "refused") {
					return backoff.Permanent(err)
				}
				return err
			}
			conn = c
			return nil
		}
		err := backoff.Retry(op, openBackoff())
		if perr, ok := err.(*backoff.PermanentError); ok {
			err = perr.Err
		}
		return conn, err
	}
}

// SerialConnMaker returns a CreationFunc that opens the serial port described by conf
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return Retry(func() (io.ReadWriteCloser, error) {
		port, err := serial.OpenPort(conf)
		if err != nil {
			return nil, errors.Wrapf(err, "opening serial port %s", conf.Name)
		}
		return port, nil
	})
}

// TCPConnMaker returns a CreationFunc that dials addr, for devices behind
// a terminal server or with a native socket interface
func TCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return Retry(func() (io.ReadWriteCloser, error) {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return nil, errors.Wrapf(err, "dialing %s", addr)
		}
		return conn, nil
	})
}

// deadliner is satisfied by net.Conn and anything else with deadlines
type deadliner interface {
	SetDeadline(time.Time) error
}

// Timeout applies a deadline to every Read and Write on the underlying
// ReadWriter, if it supports deadlines.  Serial ports do not, and rely on
// the ReadTimeout in their serial.Config instead.
type Timeout struct {
	rw      io.ReadWriter
	d       deadliner
	timeout time.Duration
}

// NewTimeout wraps rw with a per-operation timeout
func NewTimeout(rw io.ReadWriter, timeout time.Duration) *Timeout {
	t := &Timeout{rw: rw, timeout: timeout}
	if d, ok := rw.(deadliner); ok {
		t.d = d
	}
	return t
}

func (t *Timeout) arm() error {
	if t.d == nil || t.timeout <= 0 {
		return nil
	}
	return t.d.SetDeadline(time.Now().Add(t.timeout))
}

// Read satisfies io.Reader
func (t *Timeout) Read(b []byte) (int, error) {
	if err := t.arm(); err != nil {
		return 0, err
	}
	return t.rw.Read(b)
}

// Write satisfies io.Writer
func (t *Timeout) Write(b []byte) (int, error) {
	if err := t.arm(); err != nil {
		return 0, err
	}
	return t.rw.Write(b)
}

// Terminator appends Tx to every write and reads through Rx, stripping it.
// Both may be more than one byte, e.g. "\r\n".
type Terminator struct {
	rw io.ReadWriter
	br *bufio.Reader
	tx []byte
	rx []byte
}

// NewTerminator wraps rw with the given terminators
func NewTerminator(rw io.ReadWriter, tx, rx string) *Terminator {
	return &Terminator{rw: rw, br: bufio.NewReader(rw), tx: []byte(tx), rx: []byte(rx)}
}

// Write sends b followed by the Tx terminator.  The returned count excludes
// the terminator.
func (t *Terminator) Write(b []byte) (int, error) {
	buf := make([]byte, 0, len(b)+len(t.tx))
	buf = append(buf, b...)
	buf = append(buf, t.tx...)
	n, err := t.rw.Write(buf)
	if n > len(b) {
		n = len(b)
	}
	return n, err
}

// ReadLine reads one response up to and including the Rx terminator and
// returns it with the terminator removed
func (t *Terminator) ReadLine() ([]byte, error) {
	if len(t.rx) == 0 {
		return nil, ErrEmptyTerminator
	}
	last := t.rx[len(t.rx)-1]
	var line []byte
	for {
		chunk, err := t.br.ReadBytes(last)
		line = append(line, chunk...)
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return line, ErrTerminatorNotFound
			}
			return line, err
		}
		if bytes.HasSuffix(line, t.rx) {
			return line[:len(line)-len(t.rx)], nil
		}
	}
}

// Read reads one response into b with the Rx terminator removed.
// If b is too small to hold the response, io.ErrShortBuffer is returned
// along with as much of the response as fit.
func (t *Terminator) Read(b []byte) (int, error) {
	line, err := t.ReadLine()
	n := copy(b, line)
	if err == nil && n < len(line) {
		err = io.ErrShortBuffer
	}
	return n, err
}
