// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/benchlab/psulab/comm"
)

const (
	// DefaultTimeout is used when SCPI.Timeout is zero
	DefaultTimeout = 5 * time.Second

	defaultTerm = "\n"
)

var (
	// ErrEmptyResponse is generated when a query returns nothing but a terminator
	ErrEmptyResponse = errors.New("empty response from device")
)

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// TxTerm and RxTerm are the write and read terminators.  Both default
	// to a line feed.
	TxTerm, RxTerm string

	// Timeout bounds each read and write on connections that support deadlines
	Timeout time.Duration

	// Limiter paces commands for devices that drop input when sent too
	// quickly, e.g. over RS-232 without flow control.  nil is unpaced.
	Limiter *rate.Limiter
}

func (s *SCPI) terms() (string, string) {
	tx, rx := s.TxTerm, s.RxTerm
	if tx == "" {
		tx = defaultTerm
	}
	if rx == "" {
		rx = defaultTerm
	}
	return tx, rx
}

// exchange runs fcn on a pooled, terminated connection.  The connection is
// destroyed if fcn returns an error.
func (s *SCPI) exchange(fcn func(*comm.Terminator) error) error {
	if s.Limiter != nil {
		if err := s.Limiter.Wait(context.Background()); err != nil {
			return errors.Wrap(err, "pacing command")
		}
	}
	conn, err := s.Pool.Get()
	if err != nil {
		return errors.Wrap(err, "acquiring connection")
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	timeout := s.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	tx, rx := s.terms()
	wrap := comm.NewTerminator(comm.NewTimeout(conn, timeout), tx, rx)
	err = fcn(wrap)
	return err
}

func (s *SCPI) frame(handshake bool, cmds []string) string {
	if handshake {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	return strings.Join(cmds, " ")
}

func (s *SCPI) write(handshake bool, cmds ...string) error {
	str := s.frame(handshake, cmds)
	var devErr error
	err := s.exchange(func(rw *comm.Terminator) error {
		if _, err := io.WriteString(rw, str); err != nil {
			return errors.Wrapf(err, "writing %q", str)
		}
		if !handshake {
			return nil
		}
		resp, err := rw.ReadLine()
		if err != nil {
			return errors.Wrapf(err, "reading error queue after %q", str)
		}
		devErr = checkErrorString(string(resp))
		return nil
	})
	if err != nil {
		return err
	}
	return devErr
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	return s.write(s.Handshaking, cmds...)
}

func (s *SCPI) writeRead(handshake bool, cmds ...string) ([]byte, error) {
	str := s.frame(handshake, cmds)
	var resp []byte
	err := s.exchange(func(rw *comm.Terminator) error {
		if _, err := io.WriteString(rw, str); err != nil {
			return errors.Wrapf(err, "writing %q", str)
		}
		line, err := rw.ReadLine()
		if err != nil {
			return errors.Wrapf(err, "reading response to %q", str)
		}
		resp = line
		return nil
	})
	if err != nil {
		return resp, err
	}
	if handshake {
		idx := strings.LastIndexByte(string(resp), ';')
		if idx == -1 {
			return resp, errors.Errorf("handshake response %q did not contain an error field", resp)
		}
		if err := checkErrorString(string(resp[idx+1:])); err != nil {
			return resp, err
		}
		resp = resp[:idx]
	}
	return resp, nil
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	return s.writeRead(s.Handshaking, cmds...)
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err != nil {
		return "", err
	}
	str := strings.TrimSpace(string(resp))
	if str == "" {
		return "", ErrEmptyResponse
	}
	return str, nil
}

// Raw sends a command to the device and returns a response if it was a query,
// else a blank string.  Handshaking is never used.
func (s *SCPI) Raw(str string) (string, error) {
	if strings.Contains(str, "?") {
		resp, err := s.writeRead(false, str)
		return strings.TrimSpace(string(resp)), err
	}
	return "", s.write(false, str)
}

// NoError returns true if str is the clean entry of an error queue,
// +0,"No error".  A blank entry also ends the queue, some devices send
// nothing once it is drained.
func NoError(str string) bool {
	str = strings.TrimSpace(str)
	return str == "" || str == "0" || strings.HasPrefix(str, "+0")
}

// checkErrorString converts an error queue entry into an error, nil for a
// clean entry
func checkErrorString(str string) error {
	if NoError(str) {
		return nil
	}
	return errors.New(strings.TrimSpace(str))
}
