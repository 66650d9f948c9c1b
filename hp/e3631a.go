// Package hp provides interfaces to Hewlett-Packard (now Keysight) test and measurement equipment
package hp

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tarm/serial"
	"golang.org/x/time/rate"

	"github.com/benchlab/psulab/comm"
	"github.com/benchlab/psulab/scpi"
	"github.com/benchlab/psulab/util"
)

const (
	// DefaultBaud is the factory RS-232 baud rate of the E3631A
	DefaultBaud = 9600

	// SettleDelay is how long to wait after switching the active output
	// before a measurement is trusted
	SettleDelay = 200 * time.Millisecond

	// the E3631A wants a pause between commands on RS-232, it has no
	// input buffer worth mentioning and does not use flow control
	commandSpacing = 50 * time.Millisecond

	// ErrorQueueDepth is how many entries the supply's error queue holds
	ErrorQueueDepth = 20
)

// Channel is one of the three outputs of the supply
type Channel int

const (
	// P6V is the +6V, 5A output
	P6V Channel = iota

	// P25V is the +25V, 1A output
	P25V

	// N25V is the -25V, 1A output
	N25V
)

var (
	channelTokens = [...]string{"P6V", "P25V", "N25V"}

	voltageRanges = [...]util.Limiter{
		{Min: 0, Max: 6.18},
		{Min: 0, Max: 25.75},
		{Min: -25.75, Max: 0},
	}

	currentRanges = [...]util.Limiter{
		{Min: 0, Max: 5.15},
		{Min: 0, Max: 1.03},
		{Min: 0, Max: 1.03},
	}

	// DefaultVoltageRange is the range SetVoltageSetpoint truncates to
	DefaultVoltageRange = voltageRanges[P6V]

	// DefaultCurrentRange is the range SetCurrentLimit truncates to
	DefaultCurrentRange = currentRanges[P6V]
)

// Valid returns true if c is one of the three outputs
func (c Channel) Valid() bool {
	return c >= P6V && c <= N25V
}

// String returns the instrument selector token, e.g. P25V
func (c Channel) String() string {
	if !c.Valid() {
		return fmt.Sprintf("Channel(%d)", int(c))
	}
	return channelTokens[c]
}

// VoltageRange returns the legal voltage setpoints of the channel
func (c Channel) VoltageRange() util.Limiter {
	return voltageRanges[c]
}

// CurrentRange returns the legal current limits of the channel
func (c Channel) CurrentRange() util.Limiter {
	return currentRanges[c]
}

// ParseChannel converts an instrument selector token to a Channel
func ParseChannel(token string) (Channel, error) {
	token = strings.ToUpper(strings.Trim(strings.TrimSpace(token), `"`))
	for i, t := range channelTokens {
		if t == token {
			return Channel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown output selector %q", token)
}

// Transport is the request/response link to the supply.
// *scpi.SCPI satisfies it, as does *Mock.
type Transport interface {
	// Write sends a command that has no response
	Write(cmds ...string) error

	// ReadString sends a query and returns the response without terminators
	ReadString(cmds ...string) (string, error)
}

// property is a SCPI query and write format pair.  write is empty for
// measurements.
type property struct {
	name  string
	query string
	write string
}

var (
	propVersion  = property{"scpi_version", "SYST:VERS?", ""}
	propOutput   = property{"output_enabled", "OUTPUT?", "OUTPUT %d"}
	propVoltSet  = property{"voltage_setpoint", ":SOUR:VOLT?", ":SOUR:VOLT %g"}
	propCurrLim  = property{"current_limit", ":SOUR:CURR?", ":SOUR:CURR %g"}
	propVoltage  = property{"voltage", ":MEAS:VOLT?", ""}
	propCurrent  = property{"current", ":MEAS:CURR?", ""}
	propApplied  = property{"applied", ":APPLY?", ":APPLY %g,%g"}
	propSelected = property{"select_output", "INST:SEL?", "INST:SEL %s"}
	propError    = property{"error", "SYST:ERR?", ""}
)

// SerialConf makes a new serial.Config with the E3631A's fixed framing,
// 7 data bits, even parity, 2 stop bits.  baud of zero selects DefaultBaud.
func SerialConf(addr string, baud int) *serial.Config {
	if baud == 0 {
		baud = DefaultBaud
	}
	return &serial.Config{
		Name:        addr,
		Baud:        baud,
		Size:        7,
		Parity:      serial.ParityEven,
		StopBits:    serial.Stop2,
		ReadTimeout: 3 * time.Second}
}

// E3631A is an interface to an HP/Agilent E3631A triple output DC power supply.
//
// The supply has a single active-output register that every setpoint and
// measurement command applies to.  E3631A is not safe for concurrent use;
// callers sharing one supply must serialize their calls, see HTTPWrapper.
type E3631A struct {
	t Transport

	// Settle is the pause between switching the active output and measuring it
	Settle time.Duration

	sleep func(time.Duration)
}

// New wraps a transport in an E3631A
func New(t Transport) *E3631A {
	return &E3631A{t: t, Settle: SettleDelay, sleep: time.Sleep}
}

// NewE3631A opens a connection to an E3631A at addr.  If isSerial is true,
// addr is a serial port and baud its rate (0 for DefaultBaud); otherwise addr
// is host:port of a terminal server with the supply on the far end.
//
// The link is opened before returning, and failure to do so is a *ConnectionError.
func NewE3631A(addr string, baud int, isSerial bool) (*E3631A, error) {
	var maker comm.CreationFunc
	if isSerial {
		maker = comm.SerialConnMaker(SerialConf(addr, baud))
	} else {
		maker = comm.TCPConnMaker(addr, 3*time.Second)
	}
	wrapped := func() (io.ReadWriteCloser, error) {
		conn, err := maker()
		if err != nil {
			return nil, &ConnectionError{Addr: addr, Err: err}
		}
		return conn, nil
	}
	pool := comm.NewPool(1, time.Hour, wrapped)
	conn, err := pool.Get()
	if err != nil {
		return nil, err
	}
	pool.Put(conn)
	s := &scpi.SCPI{
		Pool:    pool,
		TxTerm:  "\n",
		RxTerm:  "\r\n",
		Limiter: rate.NewLimiter(rate.Every(commandSpacing), 1),
	}
	return New(s), nil
}

func (e *E3631A) get(p property) (string, error) {
	resp, err := e.t.ReadString(p.query)
	if err != nil {
		return "", &TransportError{Cmd: p.query, Err: err}
	}
	return resp, nil
}

func (e *E3631A) getFloat(p property) (float64, error) {
	resp, err := e.get(p)
	if err != nil {
		return 0, err
	}
	return parseFloat(p.query, resp)
}

func (e *E3631A) set(p property, args ...interface{}) error {
	cmd := fmt.Sprintf(p.write, args...)
	if err := e.t.Write(cmd); err != nil {
		return &TransportError{Cmd: cmd, Err: err}
	}
	return nil
}

// setTruncated clamps v to lim before writing it
func (e *E3631A) setTruncated(p property, v float64, lim util.Limiter) error {
	if !util.Finite(v) {
		return ValidationError{Property: p.name, Value: v, Reason: "not a finite number"}
	}
	return e.set(p, lim.Clamp(v))
}

// setStrict refuses v if it is outside lim
func (e *E3631A) setStrict(p property, v float64, lim util.Limiter) error {
	if !lim.Check(v) {
		return ValidationError{Property: p.name, Value: v,
			Reason: fmt.Sprintf("outside [%g, %g]", lim.Min, lim.Max)}
	}
	return e.set(p, v)
}

func parseFloat(cmd, resp string) (float64, error) {
	f, err := strconv.ParseFloat(strings.Trim(strings.TrimSpace(resp), `"`), 64)
	if err != nil {
		return 0, &TransportError{Cmd: cmd, Err: fmt.Errorf("malformed response %q", resp)}
	}
	return f, nil
}

// Version returns the SCPI version the supply conforms to, e.g. 1995.0
func (e *E3631A) Version() (string, error) {
	return e.get(propVersion)
}

// OutputEnabled returns true if the outputs are on
func (e *E3631A) OutputEnabled() (bool, error) {
	f, err := e.getFloat(propOutput)
	if err != nil {
		return false, err
	}
	switch f {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, &TransportError{Cmd: propOutput.query, Err: fmt.Errorf("output state %g is not 0 or 1", f)}
	}
}

// SetOutputEnabled turns the outputs on or off.  All three outputs are
// switched together.
func (e *E3631A) SetOutputEnabled(on bool) error {
	i := 0
	if on {
		i = 1
	}
	return e.set(propOutput, i)
}

// VoltageSetpoint returns the voltage setpoint of the active output
func (e *E3631A) VoltageSetpoint() (float64, error) {
	return e.getFloat(propVoltSet)
}

// SetVoltageSetpoint sets the voltage of the active output.  The value is
// truncated to DefaultVoltageRange; use SetVoltage to address a specific
// output with its own range.
func (e *E3631A) SetVoltageSetpoint(volts float64) error {
	return e.setTruncated(propVoltSet, volts, DefaultVoltageRange)
}

// CurrentLimit returns the current limit of the active output
func (e *E3631A) CurrentLimit() (float64, error) {
	return e.getFloat(propCurrLim)
}

// SetCurrentLimit sets the current limit of the active output.  The value is
// truncated to DefaultCurrentRange; use SetCurrent to address a specific
// output with its own range.
func (e *E3631A) SetCurrentLimit(amps float64) error {
	return e.setTruncated(propCurrLim, amps, DefaultCurrentRange)
}

// Voltage measures the voltage at the active output
func (e *E3631A) Voltage() (float64, error) {
	return e.getFloat(propVoltage)
}

// Current measures the current through the active output
func (e *E3631A) Current() (float64, error) {
	return e.getFloat(propCurrent)
}

// Applied returns the voltage and current setpoints of the active output
// in a single exchange
func (e *E3631A) Applied() (volts, amps float64, err error) {
	resp, err := e.get(propApplied)
	if err != nil {
		return 0, 0, err
	}
	pieces := strings.Split(strings.Replace(resp, `"`, "", -1), ",")
	if len(pieces) != 2 {
		return 0, 0, &TransportError{Cmd: propApplied.query, Err: fmt.Errorf("malformed response %q, expected two values", resp)}
	}
	volts, err = parseFloat(propApplied.query, pieces[0])
	if err != nil {
		return 0, 0, err
	}
	amps, err = parseFloat(propApplied.query, pieces[1])
	if err != nil {
		return 0, 0, err
	}
	return volts, amps, nil
}

// SetApplied sets the voltage and current of the active output in a single command
func (e *E3631A) SetApplied(volts, amps float64) error {
	if !util.Finite(volts) || !util.Finite(amps) {
		return ValidationError{Property: propApplied.name, Value: []float64{volts, amps}, Reason: "not a finite number"}
	}
	return e.set(propApplied, volts, amps)
}

// SelectedOutput returns the output that setpoint and measurement commands
// currently apply to.  It does not change anything on the supply.
func (e *E3631A) SelectedOutput() (Channel, error) {
	resp, err := e.get(propSelected)
	if err != nil {
		return 0, err
	}
	ch, err := ParseChannel(resp)
	if err != nil {
		return 0, &TransportError{Cmd: propSelected.query, Err: err}
	}
	return ch, nil
}

// SelectOutput makes ch the output that setpoint and measurement commands apply to
func (e *E3631A) SelectOutput(ch Channel) error {
	if !ch.Valid() {
		return ValidationError{Property: propSelected.name, Value: int(ch), Reason: "not one of 0 (P6V), 1 (P25V), 2 (N25V)"}
	}
	return e.set(propSelected, ch.String())
}

// Errors drains the supply's error queue, oldest entry first, e.g.
// -222,"Data out of range".  The result is empty when the queue was clear.
// At most ErrorQueueDepth entries are read.
func (e *E3631A) Errors() ([]string, error) {
	errs := []string{}
	for i := 0; i < ErrorQueueDepth; i++ {
		resp, err := e.t.ReadString(propError.query)
		if errors.Is(err, scpi.ErrEmptyResponse) {
			return errs, nil
		}
		if err != nil {
			return errs, &TransportError{Cmd: propError.query, Err: err}
		}
		if scpi.NoError(resp) {
			return errs, nil
		}
		errs = append(errs, strings.TrimSpace(resp))
	}
	return errs, nil
}

// SetRemote places the supply in remote mode for RS-232 operation.  If
// lockLocalKey is true, the front panel Local key is disabled as well.
func (e *E3631A) SetRemote(lockLocalKey bool) error {
	cmd := "SYST:REM"
	if lockLocalKey {
		cmd = "SYST:RWL"
	}
	return e.command(cmd)
}

// SetLocal returns the supply to local mode, all front panel keys work
func (e *E3631A) SetLocal() error {
	return e.command("SYST:LOC")
}

func (e *E3631A) command(cmd string) error {
	if err := e.t.Write(cmd); err != nil {
		return &TransportError{Cmd: cmd, Err: err}
	}
	return nil
}

// SetVoltage selects ch and sets its voltage, which must be within
// ch.VoltageRange().  The selection is always sent, and is left in place
// afterwards.
func (e *E3631A) SetVoltage(volts float64, ch Channel) error {
	if !ch.Valid() {
		return InvalidChannelError{Channel: ch}
	}
	if err := e.SelectOutput(ch); err != nil {
		return err
	}
	return e.setStrict(propVoltSet, volts, ch.VoltageRange())
}

// SetCurrent selects ch and sets its current limit, which must be within
// ch.CurrentRange().  The selection is always sent, and is left in place
// afterwards.
func (e *E3631A) SetCurrent(amps float64, ch Channel) error {
	if !ch.Valid() {
		return InvalidChannelError{Channel: ch}
	}
	if err := e.SelectOutput(ch); err != nil {
		return err
	}
	return e.setStrict(propCurrLim, amps, ch.CurrentRange())
}

// ensureSelected selects ch if it is not already the active output, and
// waits for the supply to settle if it had to switch
func (e *E3631A) ensureSelected(ch Channel) error {
	if !ch.Valid() {
		return InvalidChannelError{Channel: ch}
	}
	active, err := e.SelectedOutput()
	if err != nil {
		return err
	}
	if active == ch {
		return nil
	}
	if err := e.SelectOutput(ch); err != nil {
		return err
	}
	e.sleep(e.Settle)
	return nil
}

// MeasVoltage measures the voltage at output ch
func (e *E3631A) MeasVoltage(ch Channel) (float64, error) {
	if err := e.ensureSelected(ch); err != nil {
		return 0, err
	}
	return e.Voltage()
}

// MeasCurrent measures the current through output ch
func (e *E3631A) MeasCurrent(ch Channel) (float64, error) {
	if err := e.ensureSelected(ch); err != nil {
		return 0, err
	}
	return e.Current()
}

// Raw sends a command to the supply and returns a response if it was a query,
// else a blank string
func (e *E3631A) Raw(str string) (string, error) {
	if strings.Contains(str, "?") {
		resp, err := e.t.ReadString(str)
		if err != nil {
			return "", &TransportError{Cmd: str, Err: err}
		}
		return resp, nil
	}
	return "", e.command(str)
}
