package elm327

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
)

// DemoVehicle generates simulated engine data for development and testing.
type DemoVehicle struct {
	mu   sync.Mutex
	t    float64 // virtual time accumulator
	fuel float64
}

func NewDemoVehicle() *DemoVehicle {
	return &DemoVehicle{fuel: 72}
}

// Reading returns the simulated value for a command code.
func (d *DemoVehicle) Reading(command string) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.t += 0.05

	// RPM cycles between idle and revving
	rpm := 850.0 + 4000.0*math.Sin(d.t*0.3)*math.Sin(d.t*0.3) + rand.Float64()*50
	tps := (rpm - 850) / (8000 - 850) * 100
	if tps < 0 {
		tps = 0
	}
	if tps > 100 {
		tps = 100
	}

	switch command {
	case PIDEngineRPM:
		return rpm, true
	case PIDVehicleSpeed:
		return math.Floor(tps / 100 * 220), true
	case PIDThrottlePosition:
		return tps, true
	case PIDFuelLevel:
		d.fuel -= 0.001
		if d.fuel < 5 {
			d.fuel = 72
		}
		return d.fuel, true
	case PIDBarometricPressure:
		return 101, true
	case PIDAmbientTemperature:
		return 21 + math.Floor(rand.Float64()*3), true
	case PIDBatteryVoltage:
		return 13.8 + rand.Float64()*0.4, true
	}
	return 0, false
}

// encodePID is the inverse of the decoder formulas.
func encodePID(command string, v float64) []byte {
	u16 := func(n float64) []byte {
		x := uint16(math.Round(n))
		return []byte{byte(x >> 8), byte(x)}
	}
	u8 := func(n float64) []byte {
		return []byte{byte(math.Max(0, math.Min(255, math.Round(n))))}
	}
	switch command {
	case PIDEngineRPM:
		return u16(v * 4)
	case PIDThrottlePosition, PIDFuelLevel:
		return u8(v * 255 / 100)
	case PIDAmbientTemperature:
		return u8(v + 40)
	case PIDBatteryVoltage:
		return u16(v * 1000)
	default:
		return u8(v)
	}
}

// Emulator answers ELM327 commands on a stream the way a cheap WiFi clone
// does. Zero value is not usable; see NewEmulator.
type Emulator struct {
	Vehicle *DemoVehicle

	// Replies overrides the reply text for a command.
	Replies map[string]string
	// Silent commands get no reply at all, not even a prompt.
	Silent map[string]bool
	// HangUp commands make the emulator close the stream.
	HangUp map[string]bool

	echo, linefeeds, spaces, headers bool
	searching                        bool
}

func NewEmulator(v *DemoVehicle) *Emulator {
	e := &Emulator{Vehicle: v}
	e.reset()
	return e
}

// power-on defaults
func (e *Emulator) reset() {
	e.echo, e.linefeeds, e.spaces, e.headers = true, false, true, false
	e.searching = true
}

// Serve handles commands from rw until it is closed or a HangUp command
// arrives.
func (e *Emulator) Serve(rw io.ReadWriteCloser) error {
	defer rw.Close()
	r := bufio.NewReader(rw)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			return err
		}
		cmd := strings.ToUpper(strings.TrimSpace(strings.TrimSuffix(line, "\r")))
		if cmd == "" {
			continue
		}
		if e.HangUp[cmd] {
			return nil
		}
		if e.Silent[cmd] {
			continue
		}
		// echo reflects the mode in force when the command arrived
		echo := e.echo
		if _, err := io.WriteString(rw, e.frame(echo, cmd, e.reply(cmd))); err != nil {
			return err
		}
	}
}

func (e *Emulator) frame(echo bool, cmd string, lines []string) string {
	eol := "\r"
	if e.linefeeds {
		eol = "\r\n"
	}
	var b strings.Builder
	if echo {
		b.WriteString(cmd + eol)
	}
	for _, l := range lines {
		b.WriteString(l + eol)
	}
	b.WriteString(eol + ">")
	return b.String()
}

func (e *Emulator) reply(cmd string) []string {
	if r, ok := e.Replies[cmd]; ok {
		return []string{r}
	}
	if strings.HasPrefix(cmd, "AT") {
		return e.atReply(cmd[2:])
	}
	if len(cmd) != 4 || !strings.HasPrefix(cmd, "01") {
		return []string{"?"}
	}

	var out []string
	if e.searching {
		out = append(out, "SEARCHING...")
		e.searching = false
	}
	v, ok := e.Vehicle.Reading(cmd)
	if !ok {
		return append(out, "NO DATA")
	}
	data := append([]byte{0x41, hexByte(cmd[2:])}, encodePID(cmd, v)...)
	if e.headers {
		// responder address + PCI length
		data = append([]byte{0xE8, byte(len(data))}, data...)
	}
	return append(out, e.hex(data))
}

func (e *Emulator) atReply(at string) []string {
	switch at {
	case "Z":
		e.reset()
		return []string{"", "ELM327 v1.5"}
	case "I":
		return []string{"ELM327 v1.5"}
	case "E0", "E1":
		e.echo = at == "E1"
	case "L0", "L1":
		e.linefeeds = at == "L1"
	case "S0", "S1":
		e.spaces = at == "S1"
	case "H0", "H1":
		e.headers = at == "H1"
	case "RV":
		v, _ := e.Vehicle.Reading(PIDBatteryVoltage)
		return []string{fmt.Sprintf("%.1fV", v)}
	default:
		return []string{"?"}
	}
	return []string{"OK"}
}

func (e *Emulator) hex(data []byte) string {
	parts := make([]string, len(data))
	for i, b := range data {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	sep := ""
	if e.spaces {
		sep = " "
	}
	return strings.Join(parts, sep)
}

func hexByte(s string) byte {
	n, _ := strconv.ParseUint(s, 16, 8)
	return byte(n)
}

// DemoDialer connects to an in-process emulated adapter. Every dial gets a
// freshly powered-on adapter attached to the same simulated vehicle.
func DemoDialer() Dialer {
	return EmulatorDialer(func() *Emulator { return NewEmulator(demoVehicle) })
}

var demoVehicle = NewDemoVehicle()

// EmulatorDialer connects to an emulator built by newEmu for each dial.
func EmulatorDialer(newEmu func() *Emulator) Dialer {
	return func(ctx context.Context) (Stream, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		client, adapter := net.Pipe()
		go newEmu().Serve(adapter)
		return client, nil
	}
}
