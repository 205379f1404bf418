package media

import (
	"fmt"
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"softswitch/pkg/events"
	"softswitch/pkg/metrics"
)

// digitChars maps RFC 4733 event codes to digit characters
var digitChars = [16]byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '*', '#', 'A', 'B', 'C', 'D'}

// DigitFromEvent maps an RFC 4733 event code to its digit character
func DigitFromEvent(event uint8) (byte, bool) {
	if int(event) >= len(digitChars) {
		return 0, false
	}
	return digitChars[event], true
}

// EventFromDigit maps a digit character back to its RFC 4733 event code
func EventFromDigit(digit byte) (uint8, bool) {
	for i, c := range digitChars {
		if c == digit || (digit >= 'a' && digit <= 'd' && c == digit-('a'-'A')) {
			return uint8(i), true
		}
	}
	return 0, false
}

// RTPEvent is a decoded RFC 4733 telephone-event payload
type RTPEvent struct {
	Event    uint8
	End      bool
	Volume   uint8 // 0-63, representing -dBm0
	Duration uint16
}

// ParseRTPEvent decodes the 4-byte telephone-event payload
func ParseRTPEvent(payload []byte) (RTPEvent, error) {
	if len(payload) < 4 {
		return RTPEvent{}, fmt.Errorf("telephone-event payload too short: %d bytes", len(payload))
	}

	return RTPEvent{
		Event:    payload[0],
		End:      payload[1]&0x80 != 0,
		Volume:   payload[1] & 0x3F,
		Duration: uint16(payload[2])<<8 | uint16(payload[3]),
	}, nil
}

// DigitSink receives normalized digit events
type DigitSink func(digit byte, source events.DigitSource)

// DTMFInterworker collapses the per-call digit sources into one stream.
// RTP telephone-event packets are de-duplicated on the end-flag transition
// (end packets are retransmitted; only the first for a given event start
// emits). Out-of-band signaling digits emit once per message. The tone
// detector is a last-resort fallback for endpoints that signal neither way.
type DTMFInterworker struct {
	logger *logrus.Logger
	sink   DigitSink

	mu            sync.Mutex
	lastTimestamp uint32
	emitted       bool

	detector *ToneDetector
}

// NewDTMFInterworker creates the interworker. The tone detector is attached
// only when inband detection is the configured mode.
func NewDTMFInterworker(logger *logrus.Logger, inband bool, sink DigitSink) *DTMFInterworker {
	d := &DTMFInterworker{
		logger: logger,
		sink:   sink,
	}
	if inband {
		d.detector = NewToneDetector(8000)
	}
	return d
}

// HandleRTPEvent processes one telephone-event packet. eventTimestamp is the
// RTP timestamp of the packet, which RFC 4733 fixes at the event start for
// every packet of one keypress.
func (d *DTMFInterworker) HandleRTPEvent(payload []byte, eventTimestamp uint32) {
	ev, err := ParseRTPEvent(payload)
	if err != nil {
		d.logger.WithError(err).Debug("Dropping unparseable telephone-event packet")
		return
	}

	d.mu.Lock()
	if eventTimestamp != d.lastTimestamp {
		d.lastTimestamp = eventTimestamp
		d.emitted = false
	}

	if !ev.End || d.emitted {
		d.mu.Unlock()
		return
	}
	d.emitted = true
	d.mu.Unlock()

	digit, ok := DigitFromEvent(ev.Event)
	if !ok {
		d.logger.WithField("event", ev.Event).Debug("Ignoring non-digit telephone event")
		return
	}

	d.emit(digit, events.DigitSourceRTPEvent)
}

// HandleSignaling processes a digit delivered in an out-of-band signaling
// message (one emission per message).
func (d *DTMFInterworker) HandleSignaling(digit byte) {
	if _, ok := EventFromDigit(digit); !ok {
		d.logger.WithField("digit", string(digit)).Debug("Ignoring invalid signaling digit")
		return
	}
	d.emit(digit, events.DigitSourceSignaling)
}

// HandleAudio feeds decoded PCM into the tone-detection fallback. A no-op
// unless inband detection was configured.
func (d *DTMFInterworker) HandleAudio(pcm []int16) {
	if d.detector == nil {
		return
	}
	for _, digit := range d.detector.Feed(pcm) {
		d.emit(digit, events.DigitSourceTone)
	}
}

func (d *DTMFInterworker) emit(digit byte, source events.DigitSource) {
	metrics.RecordDigit(string(source))
	if d.sink != nil {
		d.sink(digit, source)
	}
}

// DTMF tone frequencies per ITU-T Q.23
var (
	dtmfRowFreqs = [4]float64{697, 770, 852, 941}
	dtmfColFreqs = [4]float64{1209, 1336, 1477, 1633}

	dtmfDigitGrid = [4][4]byte{
		{'1', '2', '3', 'A'},
		{'4', '5', '6', 'B'},
		{'7', '8', '9', 'C'},
		{'*', '0', '#', 'D'},
	}
)

const (
	// toneWindow is the classic 205-sample Goertzel block at 8 kHz
	toneWindow = 205

	// toneEnergyFloor rejects windows too quiet to be a real keypress
	toneEnergyFloor = 1e6

	// toneDominanceRatio requires the winning row/col bins to dominate their
	// runners-up. Broadband noise spreads energy across all bins and fails
	// this test, which is what keeps the false-positive rate at zero.
	toneDominanceRatio = 8.0

	// toneBandShare requires the two winning bins to carry most of the
	// window's total in-band energy
	toneBandShare = 0.7

	// toneConfirmBlocks is how many consecutive agreeing windows are needed
	// before a digit is reported
	toneConfirmBlocks = 2
)

// ToneDetector is a Goertzel-based DTMF recognizer used only as a fallback
// when neither telephone-event nor signaling digits are available.
type ToneDetector struct {
	sampleRate int
	buf        []int16

	candidate     byte
	candidateRuns int
	reported      bool
}

// NewToneDetector creates a detector for the given sampling rate
func NewToneDetector(sampleRate int) *ToneDetector {
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	return &ToneDetector{sampleRate: sampleRate}
}

// Feed consumes PCM and returns any digits recognized in complete windows
func (t *ToneDetector) Feed(pcm []int16) []byte {
	t.buf = append(t.buf, pcm...)

	var digits []byte
	for len(t.buf) >= toneWindow {
		window := t.buf[:toneWindow]
		t.buf = t.buf[toneWindow:]

		digit, ok := t.analyze(window)
		if !ok {
			// Silence or noise ends the current keypress
			t.candidate = 0
			t.candidateRuns = 0
			t.reported = false
			continue
		}

		if digit == t.candidate {
			t.candidateRuns++
		} else {
			t.candidate = digit
			t.candidateRuns = 1
			t.reported = false
		}

		if t.candidateRuns >= toneConfirmBlocks && !t.reported {
			t.reported = true
			digits = append(digits, digit)
		}
	}

	return digits
}

// analyze runs Goertzel over the eight DTMF frequencies for one window
func (t *ToneDetector) analyze(window []int16) (byte, bool) {
	var rowEnergy, colEnergy [4]float64
	var total float64

	for i, f := range dtmfRowFreqs {
		rowEnergy[i] = goertzelEnergy(window, f, t.sampleRate)
		total += rowEnergy[i]
	}
	for i, f := range dtmfColFreqs {
		colEnergy[i] = goertzelEnergy(window, f, t.sampleRate)
		total += colEnergy[i]
	}

	rowBest, rowSecond := bestTwo(rowEnergy)
	colBest, colSecond := bestTwo(colEnergy)

	if rowEnergy[rowBest] < toneEnergyFloor || colEnergy[colBest] < toneEnergyFloor {
		return 0, false
	}
	if rowSecond >= 0 && rowEnergy[rowBest] < toneDominanceRatio*rowEnergy[rowSecond] {
		return 0, false
	}
	if colSecond >= 0 && colEnergy[colBest] < toneDominanceRatio*colEnergy[colSecond] {
		return 0, false
	}
	if rowEnergy[rowBest]+colEnergy[colBest] < toneBandShare*total {
		return 0, false
	}

	return dtmfDigitGrid[rowBest][colBest], true
}

func bestTwo(energies [4]float64) (best, second int) {
	best, second = 0, -1
	for i := 1; i < 4; i++ {
		if energies[i] > energies[best] {
			second = best
			best = i
		} else if second < 0 || energies[i] > energies[second] {
			second = i
		}
	}
	return best, second
}

// goertzelEnergy computes the squared magnitude of one frequency bin
func goertzelEnergy(window []int16, freq float64, sampleRate int) float64 {
	coeff := 2 * math.Cos(2*math.Pi*freq/float64(sampleRate))

	var s0, s1, s2 float64
	for _, sample := range window {
		s0 = float64(sample) + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}

	return s1*s1 + s2*s2 - coeff*s1*s2
}
