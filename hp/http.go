package hp

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi"

	"github.com/benchlab/psulab/generichttp"
	"github.com/benchlab/psulab/server"
)

// Setpoint is a voltage and current pair, as JSON {"voltage": V, "current": A}
type Setpoint struct {
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
}

// HTTPWrapper provides HTTP bindings on top of the underlying Go interface.
//
// The supply has one active-output register, so routes that select then act
// must not interleave.  Serialize must be installed as middleware on the
// router the table is bound to.
type HTTPWrapper struct {
	// PSU is the underlying supply that is wrapped
	PSU *E3631A

	// RouteTable maps method+path pairs to http handlers
	RouteTable generichttp.RouteTable

	mu sync.Mutex
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(psu *E3631A) *HTTPWrapper {
	w := &HTTPWrapper{PSU: psu}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/version"}: generichttp.GetString(psu.Version),
		{Method: http.MethodGet, Path: "/errors"}:  w.Errors,

		{Method: http.MethodGet, Path: "/output"}:  generichttp.GetBool(psu.OutputEnabled),
		{Method: http.MethodPost, Path: "/output"}: generichttp.SetBool(psu.SetOutputEnabled),

		{Method: http.MethodGet, Path: "/voltage-setpoint"}:  generichttp.GetFloat(psu.VoltageSetpoint),
		{Method: http.MethodPost, Path: "/voltage-setpoint"}: generichttp.SetFloat(psu.SetVoltageSetpoint),
		{Method: http.MethodGet, Path: "/current-limit"}:     generichttp.GetFloat(psu.CurrentLimit),
		{Method: http.MethodPost, Path: "/current-limit"}:    generichttp.SetFloat(psu.SetCurrentLimit),

		{Method: http.MethodGet, Path: "/voltage"}: generichttp.GetFloat(psu.Voltage),
		{Method: http.MethodGet, Path: "/current"}: generichttp.GetFloat(psu.Current),

		{Method: http.MethodGet, Path: "/applied"}:  w.GetApplied,
		{Method: http.MethodPost, Path: "/applied"}: w.SetApplied,

		{Method: http.MethodGet, Path: "/channel"}: generichttp.GetInt(func() (int, error) {
			ch, err := psu.SelectedOutput()
			return int(ch), err
		}),
		{Method: http.MethodPost, Path: "/channel"}: generichttp.SetInt(func(i int) error {
			return psu.SelectOutput(Channel(i))
		}),

		{Method: http.MethodPost, Path: "/remote"}: generichttp.SetBool(psu.SetRemote),
		{Method: http.MethodPost, Path: "/local"}:  w.Local,

		{Method: http.MethodGet, Path: "/channel/{ch}/voltage"}:  w.MeasVoltage,
		{Method: http.MethodPost, Path: "/channel/{ch}/voltage"}: w.SetVoltage,
		{Method: http.MethodGet, Path: "/channel/{ch}/current"}:  w.MeasCurrent,
		{Method: http.MethodPost, Path: "/channel/{ch}/current"}: w.SetCurrent,
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h *HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Serialize is a middleware that admits one request at a time to the supply
func (h *HTTPWrapper) Serialize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func channelParam(r *http.Request) (Channel, error) {
	str := chi.URLParam(r, "ch")
	i, err := strconv.Atoi(str)
	if err != nil {
		return 0, ValidationError{Property: "channel", Value: str, Reason: "not an integer"}
	}
	return Channel(i), nil
}

// GetApplied returns the setpoints of the active output as a Setpoint
func (h *HTTPWrapper) GetApplied(w http.ResponseWriter, r *http.Request) {
	v, a, err := h.PSU.Applied()
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	server.EncodeJSON(w, Setpoint{Voltage: v, Current: a})
}

// SetApplied sets the voltage and current of the active output from a Setpoint
func (h *HTTPWrapper) SetApplied(w http.ResponseWriter, r *http.Request) {
	sp := Setpoint{}
	err := json.NewDecoder(r.Body).Decode(&sp)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.PSU.SetApplied(sp.Voltage, sp.Current)
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Errors drains the error queue of the supply and returns it as a JSON list
// of strings
func (h *HTTPWrapper) Errors(w http.ResponseWriter, r *http.Request) {
	errs, err := h.PSU.Errors()
	if err != nil {
		generichttp.Error(w, err)
		return
	}
	server.EncodeJSON(w, errs)
}

// Local returns the supply to front panel control
func (h *HTTPWrapper) Local(w http.ResponseWriter, r *http.Request) {
	if err := h.PSU.SetLocal(); err != nil {
		generichttp.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *HTTPWrapper) meas(fcn func(Channel) (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := channelParam(r)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		generichttp.GetFloat(func() (float64, error) { return fcn(ch) })(w, r)
	}
}

func (h *HTTPWrapper) set(fcn func(float64, Channel) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, err := channelParam(r)
		if err != nil {
			generichttp.Error(w, err)
			return
		}
		generichttp.SetFloat(func(f float64) error { return fcn(f, ch) })(w, r)
	}
}

// MeasVoltage measures the voltage of the output in the URL
func (h *HTTPWrapper) MeasVoltage(w http.ResponseWriter, r *http.Request) {
	h.meas(h.PSU.MeasVoltage)(w, r)
}

// MeasCurrent measures the current of the output in the URL
func (h *HTTPWrapper) MeasCurrent(w http.ResponseWriter, r *http.Request) {
	h.meas(h.PSU.MeasCurrent)(w, r)
}

// SetVoltage sets the voltage of the output in the URL from {"f64": V}
func (h *HTTPWrapper) SetVoltage(w http.ResponseWriter, r *http.Request) {
	h.set(h.PSU.SetVoltage)(w, r)
}

// SetCurrent sets the current limit of the output in the URL from {"f64": A}
func (h *HTTPWrapper) SetCurrent(w http.ResponseWriter, r *http.Request) {
	h.set(h.PSU.SetCurrent)(w, r)
}
