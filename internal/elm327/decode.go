package elm327

import (
	"strconv"
	"strings"
	"unicode"
)

// pidFormula converts the payload bytes of one PID into a physical value.
type pidFormula struct {
	bytes int
	conv  func(b []float64) float64
}

var formulas = map[string]pidFormula{
	// ((A*256)+B)/4 rpm
	PIDEngineRPM: {2, func(b []float64) float64 { return (b[0]*256 + b[1]) / 4 }},
	// A km/h
	PIDVehicleSpeed: {1, func(b []float64) float64 { return b[0] }},
	// A*100/255 %
	PIDThrottlePosition: {1, func(b []float64) float64 { return b[0] * 100 / 255 }},
	PIDFuelLevel:        {1, func(b []float64) float64 { return b[0] * 100 / 255 }},
	// A kPa
	PIDBarometricPressure: {1, func(b []float64) float64 { return b[0] }},
	// A-40 °C
	PIDAmbientTemperature: {1, func(b []float64) float64 { return b[0] - 40 }},
	// ((A*256)+B)/1000 V
	PIDBatteryVoltage: {2, func(b []float64) float64 { return (b[0]*256 + b[1]) / 1000 }},
}

// Decode maps a raw adapter response for the given command code onto a
// physical value. ok is false for no data, adapter errors, short or
// malformed payloads and unknown PIDs.
func Decode(command, response string) (value float64, ok bool) {
	v, err := ParseResponse(command, response)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseResponse is Decode with the failure reason kept. Every error is a
// *DecodeError.
func ParseResponse(command, response string) (float64, error) {
	fail := func(err error) (float64, error) {
		return 0, &DecodeError{PID: command, Err: err}
	}

	switch {
	case response == "", strings.Contains(response, "NO DATA"):
		return fail(ErrNoData)
	case strings.Contains(response, "ERROR"):
		return fail(ErrAdapterError)
	}

	f, known := formulas[command]
	if !known {
		return fail(ErrUnknownPID)
	}

	payload := stripHeader(stripSpace(response))
	if len(payload) < f.bytes*2 {
		return fail(ErrShortPayload)
	}

	vals := make([]float64, f.bytes)
	for i := range vals {
		n, err := strconv.ParseUint(payload[i*2:i*2+2], 16, 8)
		if err != nil {
			return fail(ErrInvalidHex)
		}
		vals[i] = float64(n)
	}
	return f.conv(vals), nil
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// stripHeader drops the leading header/PID echo. With headers on (ATH1) the
// first 8 hex characters are address plus mode/PID echo; shorter responses
// only carry the 4-character echo.
func stripHeader(hex string) string {
	if len(hex) > 8 {
		return hex[8:]
	}
	if len(hex) >= 4 {
		return hex[4:]
	}
	return ""
}
