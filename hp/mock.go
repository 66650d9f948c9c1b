package hp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ErrMockUnknownCommand is returned by the Mock for commands it does not simulate
var ErrMockUnknownCommand = errors.New("-113,\"Undefined header\"")

// Mock simulates an E3631A with an ideal resistive load: when the output is
// on, the measured voltage and current equal the setpoints.  It satisfies
// Transport and is safe for concurrent use.
type Mock struct {
	sync.Mutex

	active  Channel
	volts   [3]float64
	amps    [3]float64
	output  bool
	mode    string
	history []string
	errq    []string
}

// NewMock returns a Mock at the supply's power-on state: P6V selected,
// outputs off, local mode, and the factory current limits
func NewMock() *Mock {
	m := &Mock{mode: "LOC"}
	for i := range m.amps {
		m.amps[i] = currentRanges[i].Max
	}
	return m
}

// History returns every command the mock has received since creation
func (m *Mock) History() []string {
	m.Lock()
	defer m.Unlock()
	return append([]string(nil), m.history...)
}

// Mode returns the remote/local state, one of LOC, REM, RWL
func (m *Mock) Mode() string {
	m.Lock()
	defer m.Unlock()
	return m.mode
}

func splitCommand(cmds []string) (string, []string) {
	str := strings.TrimSpace(strings.Join(cmds, " "))
	head, args := str, ""
	if idx := strings.IndexByte(str, ' '); idx != -1 {
		head, args = str[:idx], strings.TrimSpace(str[idx+1:])
	}
	head = strings.TrimPrefix(strings.ToUpper(head), ":")
	if args == "" {
		return head, nil
	}
	return head, strings.Split(args, ",")
}

func parseArgFloat(arg string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
	if err != nil {
		return 0, errors.New("-104,\"Data type error\"")
	}
	return f, nil
}

// queue records err on the error queue the way the supply does, the
// newest entry is replaced by a queue overflow once it is full
func (m *Mock) queue(err error) {
	if err == nil {
		return
	}
	if len(m.errq) == ErrorQueueDepth {
		m.errq[ErrorQueueDepth-1] = `-350,"Queue overflow"`
		return
	}
	m.errq = append(m.errq, err.Error())
}

// Write satisfies Transport
func (m *Mock) Write(cmds ...string) error {
	m.Lock()
	defer m.Unlock()
	m.history = append(m.history, strings.Join(cmds, " "))
	err := m.write(cmds)
	m.queue(err)
	return err
}

func (m *Mock) write(cmds []string) error {
	head, args := splitCommand(cmds)
	switch head {
	case "SYST:REM", "SYST:RWL", "SYST:LOC":
		m.mode = strings.TrimPrefix(head, "SYST:")
	case "OUTPUT", "OUTP":
		if len(args) != 1 {
			return errors.New("-109,\"Missing parameter\"")
		}
		switch strings.ToUpper(args[0]) {
		case "1", "ON":
			m.output = true
		case "0", "OFF":
			m.output = false
		default:
			return errors.New("-224,\"Illegal parameter value\"")
		}
	case "INST:SEL":
		if len(args) != 1 {
			return errors.New("-109,\"Missing parameter\"")
		}
		ch, err := ParseChannel(args[0])
		if err != nil {
			return errors.New("-224,\"Illegal parameter value\"")
		}
		m.active = ch
	case "SOUR:VOLT", "SOUR:CURR":
		if len(args) != 1 {
			return errors.New("-109,\"Missing parameter\"")
		}
		f, err := parseArgFloat(args[0])
		if err != nil {
			return err
		}
		if head == "SOUR:VOLT" {
			m.volts[m.active] = f
		} else {
			m.amps[m.active] = f
		}
	case "APPLY", "APPL":
		if len(args) != 2 {
			return errors.New("-109,\"Missing parameter\"")
		}
		v, err := parseArgFloat(args[0])
		if err != nil {
			return err
		}
		a, err := parseArgFloat(args[1])
		if err != nil {
			return err
		}
		m.volts[m.active], m.amps[m.active] = v, a
	default:
		return ErrMockUnknownCommand
	}
	return nil
}

// ReadString satisfies Transport
func (m *Mock) ReadString(cmds ...string) (string, error) {
	m.Lock()
	defer m.Unlock()
	m.history = append(m.history, strings.Join(cmds, " "))
	resp, err := m.read(cmds)
	m.queue(err)
	return resp, err
}

func (m *Mock) read(cmds []string) (string, error) {
	head, _ := splitCommand(cmds)
	switch head {
	case "SYST:VERS?":
		return "1995.0", nil
	case "OUTPUT?", "OUTP?":
		if m.output {
			return "1", nil
		}
		return "0", nil
	case "INST:SEL?":
		return m.active.String(), nil
	case "SOUR:VOLT?":
		return formatSCPI(m.volts[m.active]), nil
	case "SOUR:CURR?":
		return formatSCPI(m.amps[m.active]), nil
	case "MEAS:VOLT?":
		if !m.output {
			return formatSCPI(0), nil
		}
		return formatSCPI(m.volts[m.active]), nil
	case "MEAS:CURR?":
		if !m.output {
			return formatSCPI(0), nil
		}
		return formatSCPI(m.amps[m.active]), nil
	case "APPLY?", "APPL?":
		return fmt.Sprintf(`"%.3f","%.3f"`, m.volts[m.active], m.amps[m.active]), nil
	case "SYST:ERR?", "SYSTEM:ERROR?":
		if len(m.errq) == 0 {
			return `+0,"No error"`, nil
		}
		e := m.errq[0]
		m.errq = m.errq[1:]
		return e, nil
	default:
		return "", ErrMockUnknownCommand
	}
}

// formatSCPI formats like the supply does, e.g. +5.00000000E+00
func formatSCPI(f float64) string {
	return fmt.Sprintf("%+.8E", f)
}
