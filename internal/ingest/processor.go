package ingest

import (
	"strings"
	"time"

	"github.com/aqstream/aqstream/internal/ingest/jsoncodec"
	"github.com/aqstream/aqstream/store"
	"github.com/aqstream/aqstream/stream"
)

// Outcome classifies what happened to one delivered event.
type Outcome int

const (
	// OutcomeProcessed means the event yielded at least one measurement.
	OutcomeProcessed Outcome = iota
	// OutcomeFiltered means the device is not on the allow-list.
	OutcomeFiltered
	// OutcomeParseError means the payload could not be decoded or carried no
	// usable timestamp.
	OutcomeParseError
	// OutcomeUnattributable means no device identity could be established.
	OutcomeUnattributable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeFiltered:
		return "filtered"
	case OutcomeParseError:
		return "parse_error"
	case OutcomeUnattributable:
		return "unattributable"
	default:
		return "unknown"
	}
}

// Processor turns raw telemetry events into measurements. It is stateless
// apart from its configuration, so one instance serves every partition.
type Processor struct {
	allowed map[string]struct{}
	loc     *time.Location
}

// NewProcessor builds a processor. An empty allow-list admits every device.
// Civil timestamps in payloads are interpreted in loc.
func NewProcessor(allowedDevices []string, loc *time.Location) *Processor {
	var allowed map[string]struct{}
	if len(allowedDevices) > 0 {
		allowed = make(map[string]struct{}, len(allowedDevices))
		for _, d := range allowedDevices {
			allowed[d] = struct{}{}
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Processor{allowed: allowed, loc: loc}
}

// ProcessEvent decodes one event into zero, one, or two measurements.
//
// Device identity comes from the transport's system properties first; the
// payload's own DeviceId field is the fallback for producers that bypass the
// device gateway. Events with neither are unattributable and dropped.
//
// A payload carrying both sub-sensor channels expands to two rows sharing
// the ambient readings. A payload with no particulate fields still yields a
// single primary-channel row so ambient-only firmware is not lost.
func (p *Processor) ProcessEvent(ev *stream.Event) ([]*store.Measurement, Outcome) {
	var payload map[string]any
	if err := jsoncodec.Unmarshal(ev.Body, &payload); err != nil {
		return nil, OutcomeParseError
	}

	deviceID := p.resolveDevice(ev, payload)
	if deviceID == "" {
		return nil, OutcomeUnattributable
	}
	if p.allowed != nil {
		if _, ok := p.allowed[deviceID]; !ok {
			return nil, OutcomeFiltered
		}
	}

	ts, ok := p.readingTime(payload)
	if !ok {
		return nil, OutcomeParseError
	}

	raw := string(ev.Body)
	temp := floatField(payload, "temp")
	hr := floatField(payload, "hr")
	doy := intField(payload, "DOY")
	wind := floatField(payload, "W")

	fill := func(m *store.Measurement, pm25, pm10 *float64) *store.Measurement {
		m.PM25 = pm25
		m.PM10 = pm10
		m.Temperature = temp
		m.Humidity = hr
		m.DayOfYear = doy
		m.Wind = wind
		m.RawJSON = raw
		return m
	}

	pm25Um1 := floatField(payload, "n1025Um1")
	pm10Um1 := floatField(payload, "n25100Um1")
	pm25Um2 := floatField(payload, "n1025Um2")
	pm10Um2 := floatField(payload, "n25100Um2")

	var out []*store.Measurement
	if pm25Um1 != nil || pm10Um1 != nil {
		out = append(out, fill(store.NewMeasurement(deviceID, store.ChannelUm1, ts), pm25Um1, pm10Um1))
	}
	if pm25Um2 != nil || pm10Um2 != nil {
		out = append(out, fill(store.NewMeasurement(deviceID, store.ChannelUm2, ts), pm25Um2, pm10Um2))
	}
	if len(out) == 0 {
		out = append(out, fill(store.NewMeasurement(deviceID, store.ChannelUm1, ts), nil, nil))
	}
	return out, OutcomeProcessed
}

// resolveDevice returns the device identity, preferring the gateway-stamped
// system property over the self-reported payload field.
func (p *Processor) resolveDevice(ev *stream.Event, payload map[string]any) string {
	if id, ok := ev.SystemProperties[stream.SystemPropertyDeviceID]; ok {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}

	for _, key := range []string{"DeviceId", "deviceId", "deviceID"} {
		if id, ok := jsoncodec.String(payload[key]); ok {
			return id
		}
	}
	return ""
}

var combinedLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02T15:04",
}

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
}

var clockLayouts = []string{
	"15:04:05",
	"15:04",
}

// readingTime extracts the civil reading time. FechaH carries a combined
// date-time; older firmware sends Fecha and Hora separately.
func (p *Processor) readingTime(payload map[string]any) (time.Time, bool) {
	if s, ok := jsoncodec.String(payload["FechaH"]); ok {
		s = strings.TrimSuffix(s, "Z")
		for _, layout := range combinedLayouts {
			if t, err := time.ParseInLocation(layout, s, p.loc); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}

	fecha, ok := jsoncodec.String(payload["Fecha"])
	if !ok {
		return time.Time{}, false
	}
	var day time.Time
	var parsed bool
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, fecha, p.loc); err == nil {
			day, parsed = t, true
			break
		}
	}
	if !parsed {
		return time.Time{}, false
	}

	if hora, ok := jsoncodec.String(payload["Hora"]); ok {
		for _, layout := range clockLayouts {
			if t, err := time.Parse(layout, hora); err == nil {
				return time.Date(day.Year(), day.Month(), day.Day(),
					t.Hour(), t.Minute(), t.Second(), 0, p.loc), true
			}
		}
	}
	// A date without a clock is midnight of that day.
	return day, true
}

func floatField(payload map[string]any, key string) *float64 {
	v, ok := payload[key]
	if !ok {
		return nil
	}
	f, ok := jsoncodec.Float(v)
	if !ok {
		return nil
	}
	return &f
}

func intField(payload map[string]any, key string) *int {
	v, ok := payload[key]
	if !ok {
		return nil
	}
	n, ok := jsoncodec.Int(v)
	if !ok {
		return nil
	}
	return &n
}
