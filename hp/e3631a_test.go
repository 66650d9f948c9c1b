package hp

import (
	"bufio"
	"errors"
	"io"
	"math"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarm/serial"

	"github.com/benchlab/psulab/comm"
	"github.com/benchlab/psulab/scpi"
)

// recorder is a Transport that logs every exchange, in order, alongside
// the pauses taken by the controller
type recorder struct {
	events  []string
	replies map[string]string
	fail    error
}

func (r *recorder) Write(cmds ...string) error {
	r.events = append(r.events, "W "+cmds[0])
	return r.fail
}

func (r *recorder) ReadString(cmds ...string) (string, error) {
	r.events = append(r.events, "Q "+cmds[0])
	if r.fail != nil {
		return "", r.fail
	}
	resp, ok := r.replies[cmds[0]]
	if !ok {
		return "", errors.New("no reply configured")
	}
	return resp, nil
}

func newRecorded(replies map[string]string) (*E3631A, *recorder) {
	rec := &recorder{replies: replies}
	psu := New(rec)
	psu.sleep = func(d time.Duration) {
		rec.events = append(rec.events, "SLEEP "+d.String())
	}
	return psu, rec
}

func TestInvalidChannelIssuesNothing(t *testing.T) {
	for _, ch := range []Channel{3, -1, 42} {
		psu, rec := newRecorded(nil)
		var ice InvalidChannelError

		err := psu.SetCurrent(0.1, ch)
		require.ErrorAs(t, err, &ice)
		assert.Equal(t, ch, ice.Channel)

		assert.ErrorAs(t, psu.SetVoltage(1, ch), &ice)
		_, err = psu.MeasCurrent(ch)
		assert.ErrorAs(t, err, &ice)
		_, err = psu.MeasVoltage(ch)
		assert.ErrorAs(t, err, &ice)

		assert.Empty(t, rec.events, "channel %d", ch)
	}
}

func TestSetVoltageSelectsThenWrites(t *testing.T) {
	cases := []struct {
		ch    Channel
		volts float64
		want  []string
	}{
		{P6V, 5, []string{"W INST:SEL P6V", "W :SOUR:VOLT 5"}},
		{P25V, 24.5, []string{"W INST:SEL P25V", "W :SOUR:VOLT 24.5"}},
		{N25V, -12.25, []string{"W INST:SEL N25V", "W :SOUR:VOLT -12.25"}},
	}
	for _, c := range cases {
		psu, rec := newRecorded(nil)
		require.NoError(t, psu.SetVoltage(c.volts, c.ch))
		assert.Equal(t, c.want, rec.events)
	}
}

func TestSetVoltageUsesChannelRange(t *testing.T) {
	psu, rec := newRecorded(nil)
	require.NoError(t, psu.SetVoltage(-25.75, N25V))
	assert.Equal(t, "W :SOUR:VOLT -25.75", rec.events[len(rec.events)-1])

	psu, rec = newRecorded(nil)
	var ve ValidationError
	err := psu.SetVoltage(-1.0, P6V)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "voltage_setpoint", ve.Property)
	// the selection goes out first, the setpoint never does
	assert.Equal(t, []string{"W INST:SEL P6V"}, rec.events)

	psu, _ = newRecorded(nil)
	assert.ErrorAs(t, psu.SetVoltage(10, P6V), &ve)
	assert.NoError(t, psu.SetVoltage(10, P25V))
	assert.ErrorAs(t, psu.SetVoltage(0.5, N25V), &ve)
}

func TestSetCurrentUsesChannelRange(t *testing.T) {
	psu, rec := newRecorded(nil)
	require.NoError(t, psu.SetCurrent(5, P6V))
	assert.Equal(t, []string{"W INST:SEL P6V", "W :SOUR:CURR 5"}, rec.events)

	var ve ValidationError
	psu, rec = newRecorded(nil)
	err := psu.SetCurrent(2, P25V)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "current_limit", ve.Property)
	assert.Equal(t, []string{"W INST:SEL P25V"}, rec.events)

	psu, _ = newRecorded(nil)
	assert.NoError(t, psu.SetCurrent(1.03, N25V))
	assert.ErrorAs(t, psu.SetCurrent(-0.1, N25V), &ve)
}

func TestMeasCurrentAlreadySelected(t *testing.T) {
	psu, rec := newRecorded(map[string]string{
		"INST:SEL?":   "P25V",
		":MEAS:CURR?": "+2.50000000E-01",
	})
	amps, err := psu.MeasCurrent(P25V)
	require.NoError(t, err)
	assert.Equal(t, 0.25, amps)
	assert.Equal(t, []string{"Q INST:SEL?", "Q :MEAS:CURR?"}, rec.events)
}

func TestMeasCurrentSwitchesAndSettles(t *testing.T) {
	psu, rec := newRecorded(map[string]string{
		"INST:SEL?":   "P6V",
		":MEAS:CURR?": "+1.00000000E-01",
	})
	amps, err := psu.MeasCurrent(N25V)
	require.NoError(t, err)
	assert.Equal(t, 0.1, amps)
	assert.Equal(t, []string{
		"Q INST:SEL?",
		"W INST:SEL N25V",
		"SLEEP 200ms",
		"Q :MEAS:CURR?",
	}, rec.events)
}

func TestMeasVoltageSwitchesAndSettles(t *testing.T) {
	psu, rec := newRecorded(map[string]string{
		"INST:SEL?":   "N25V",
		":MEAS:VOLT?": "+4.99980000E+00",
	})
	volts, err := psu.MeasVoltage(P6V)
	require.NoError(t, err)
	assert.InDelta(t, 4.9998, volts, 1e-12)
	assert.Equal(t, []string{
		"Q INST:SEL?",
		"W INST:SEL P6V",
		"SLEEP 200ms",
		"Q :MEAS:VOLT?",
	}, rec.events)
}

func TestMeasSettleRealClock(t *testing.T) {
	rec := &recorder{replies: map[string]string{
		"INST:SEL?":   "P6V",
		":MEAS:VOLT?": "1",
	}}
	psu := New(rec)
	start := time.Now()
	_, err := psu.MeasVoltage(P25V)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), SettleDelay)
}

func TestSelectionFailureAbortsMeasurement(t *testing.T) {
	boom := errors.New("serial timeout")
	psu, rec := newRecorded(nil)
	rec.fail = boom
	_, err := psu.MeasVoltage(P25V)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"Q INST:SEL?"}, rec.events)

	psu, rec = newRecorded(nil)
	rec.fail = boom
	err = psu.SetVoltage(1, P25V)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"W INST:SEL P25V"}, rec.events)
}

func TestApplied(t *testing.T) {
	psu, _ := newRecorded(map[string]string{":APPLY?": `"1.500","0.200"`})
	volts, amps, err := psu.Applied()
	require.NoError(t, err)
	assert.Equal(t, 1.5, volts)
	assert.Equal(t, 0.2, amps)

	psu, rec := newRecorded(nil)
	require.NoError(t, psu.SetApplied(3.3, 0.5))
	assert.Equal(t, []string{"W :APPLY 3.3,0.5"}, rec.events)

	var ve ValidationError
	assert.ErrorAs(t, psu.SetApplied(math.NaN(), 0.5), &ve)
}

func TestAppliedMalformed(t *testing.T) {
	for _, resp := range []string{`"1.500"`, `"a","b"`, ``} {
		psu, _ := newRecorded(map[string]string{":APPLY?": resp})
		_, _, err := psu.Applied()
		var te *TransportError
		assert.ErrorAs(t, err, &te, "response %q", resp)
	}
}

func TestOutputEnabled(t *testing.T) {
	psu, rec := newRecorded(nil)
	require.NoError(t, psu.SetOutputEnabled(true))
	require.NoError(t, psu.SetOutputEnabled(false))
	assert.Equal(t, []string{"W OUTPUT 1", "W OUTPUT 0"}, rec.events)

	psu, _ = newRecorded(map[string]string{"OUTPUT?": "1"})
	on, err := psu.OutputEnabled()
	require.NoError(t, err)
	assert.True(t, on)

	psu, _ = newRecorded(map[string]string{"OUTPUT?": "0"})
	on, err = psu.OutputEnabled()
	require.NoError(t, err)
	assert.False(t, on)

	psu, _ = newRecorded(map[string]string{"OUTPUT?": "7"})
	_, err = psu.OutputEnabled()
	var te *TransportError
	assert.ErrorAs(t, err, &te)
}

func TestSelectOutput(t *testing.T) {
	psu, rec := newRecorded(map[string]string{"INST:SEL?": "N25V"})
	require.NoError(t, psu.SelectOutput(P25V))
	assert.Equal(t, []string{"W INST:SEL P25V"}, rec.events)

	ch, err := psu.SelectedOutput()
	require.NoError(t, err)
	assert.Equal(t, N25V, ch)

	var ve ValidationError
	assert.ErrorAs(t, psu.SelectOutput(3), &ve)

	psu, _ = newRecorded(map[string]string{"INST:SEL?": "P9V"})
	_, err = psu.SelectedOutput()
	var te *TransportError
	assert.ErrorAs(t, err, &te)
}

func TestSetpointsTruncate(t *testing.T) {
	psu, rec := newRecorded(nil)
	require.NoError(t, psu.SetVoltageSetpoint(10))
	require.NoError(t, psu.SetVoltageSetpoint(-3))
	require.NoError(t, psu.SetCurrentLimit(9))
	require.NoError(t, psu.SetCurrentLimit(0.5))
	assert.Equal(t, []string{
		"W :SOUR:VOLT 6.18",
		"W :SOUR:VOLT 0",
		"W :SOUR:CURR 5.15",
		"W :SOUR:CURR 0.5",
	}, rec.events)

	var ve ValidationError
	assert.ErrorAs(t, psu.SetVoltageSetpoint(math.Inf(1)), &ve)
}

func TestRemoteLocal(t *testing.T) {
	psu, rec := newRecorded(nil)
	require.NoError(t, psu.SetRemote(true))
	require.NoError(t, psu.SetRemote(false))
	require.NoError(t, psu.SetLocal())
	assert.Equal(t, []string{"W SYST:RWL", "W SYST:REM", "W SYST:LOC"}, rec.events)
}

func TestVersionAndMalformedMeasurement(t *testing.T) {
	psu, _ := newRecorded(map[string]string{
		"SYST:VERS?":  "1995.0",
		":MEAS:VOLT?": "garbage",
	})
	v, err := psu.Version()
	require.NoError(t, err)
	assert.Equal(t, "1995.0", v)

	_, err = psu.Voltage()
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ":MEAS:VOLT?", te.Cmd)
}

func TestRaw(t *testing.T) {
	psu, rec := newRecorded(map[string]string{"*IDN?": "HEWLETT-PACKARD,E3631A,0,2.1-5.0-1.0"})
	resp, err := psu.Raw("*IDN?")
	require.NoError(t, err)
	assert.Contains(t, resp, "E3631A")
	resp, err = psu.Raw("*RST")
	require.NoError(t, err)
	assert.Empty(t, resp)
	assert.Equal(t, []string{"Q *IDN?", "W *RST"}, rec.events)
}

func TestParseChannel(t *testing.T) {
	for i, tok := range []string{"P6V", " p25v ", `"N25V"`} {
		ch, err := ParseChannel(tok)
		require.NoError(t, err)
		assert.Equal(t, Channel(i), ch)
	}
	_, err := ParseChannel("P12V")
	assert.Error(t, err)
	assert.Equal(t, "Channel(5)", Channel(5).String())
}

func TestNewE3631AConnectionError(t *testing.T) {
	_, err := NewE3631A("127.0.0.1:1", 0, false)
	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "127.0.0.1:1", ce.Addr)
}

func TestSerialConf(t *testing.T) {
	conf := SerialConf("/dev/ttyUSB0", 0)
	assert.Equal(t, DefaultBaud, conf.Baud)
	assert.Equal(t, byte(7), conf.Size)
	assert.Equal(t, serial.ParityEven, conf.Parity)
	assert.Equal(t, serial.Stop2, conf.StopBits)
	assert.Equal(t, "/dev/ttyUSB0", conf.Name)
	assert.Equal(t, 19200, SerialConf("/dev/ttyUSB0", 19200).Baud)
}

// errQueue answers SYST:ERR? from a fixed list, then with clear entries
type errQueue struct {
	entries []string
	clear   string
	asked   int
}

func (q *errQueue) Write(cmds ...string) error { return nil }

func (q *errQueue) ReadString(cmds ...string) (string, error) {
	q.asked++
	if len(q.entries) == 0 {
		return q.clear, nil
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, nil
}

func TestErrorsDrainsQueue(t *testing.T) {
	q := &errQueue{
		entries: []string{`-113,"Undefined header"`, ` -222,"Data out of range" `},
		clear:   `+0,"No error"`,
	}
	errs, err := New(q).Errors()
	require.NoError(t, err)
	assert.Equal(t, []string{`-113,"Undefined header"`, `-222,"Data out of range"`}, errs)
	assert.Equal(t, 3, q.asked)
}

func TestErrorsClearQueueIsEmpty(t *testing.T) {
	errs, err := New(&errQueue{clear: `+0,"No error"`}).Errors()
	require.NoError(t, err)
	assert.NotNil(t, errs)
	assert.Empty(t, errs)
}

func TestErrorsReadsAtMostQueueDepth(t *testing.T) {
	q := &errQueue{clear: `-350,"Queue overflow"`}
	errs, err := New(q).Errors()
	require.NoError(t, err)
	assert.Len(t, errs, ErrorQueueDepth)
	assert.Equal(t, ErrorQueueDepth, q.asked)
}

func TestErrorsBlankReplyEndsQueue(t *testing.T) {
	// the device answers SYST:ERR? with a bare terminator after one entry
	asked := 0
	maker := func() (io.ReadWriteCloser, error) {
		host, dev := net.Pipe()
		go func() {
			defer dev.Close()
			sc := bufio.NewScanner(dev)
			for sc.Scan() {
				if sc.Text() != "SYST:ERR?" {
					continue
				}
				asked++
				if asked == 1 {
					io.WriteString(dev, "-113,\"Undefined header\"\r\n")
					continue
				}
				io.WriteString(dev, "\r\n")
			}
		}()
		return host, nil
	}
	s := &scpi.SCPI{
		Pool:    comm.NewPool(1, time.Minute, maker),
		TxTerm:  "\n",
		RxTerm:  "\r\n",
		Timeout: time.Second,
	}
	errs, err := New(s).Errors()
	require.NoError(t, err)
	assert.Equal(t, []string{`-113,"Undefined header"`}, errs)
	assert.Equal(t, 2, asked)
}

func TestErrorsTransportFailure(t *testing.T) {
	psu, rec := newRecorded(nil)
	rec.fail = errors.New("link down")
	_, err := psu.Errors()
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "SYST:ERR?", te.Cmd)
}
