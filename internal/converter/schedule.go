package converter

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Weekday values of the single-DP schedule's day byte.
var scheduleDayByte = map[string]byte{
	"monday": 1, "tuesday": 2, "wednesday": 4, "thursday": 8,
	"friday": 16, "saturday": 32, "sunday": 64,
}

// Day numbers used by multi-DP schedules, Monday first.
var scheduleDayNumber = map[string]byte{
	"monday": 1, "tuesday": 2, "wednesday": 3, "thursday": 4,
	"friday": 5, "saturday": 6, "sunday": 7,
}

// Working-day modes as reported by the working_day DP.
var workingDayModes = map[string]int{"mon_sun": 0, "mon_fri+sat+sun": 1, "separate": 2}

const (
	maxDayPeriods   = 10
	transitionCount = 4
)

type period struct {
	hour, minute int
	temp         float64
}

// parsePeriod reads "HH:MM/temp", tolerating a trailing "°C".
func parsePeriod(s string) (period, error) {
	timePart, tempPart, ok := strings.Cut(s, "/")
	if !ok {
		return period{}, fmt.Errorf("period %q: want HH:MM/temp", s)
	}
	hs, ms, ok := strings.Cut(timePart, ":")
	if !ok {
		return period{}, fmt.Errorf("period %q: want HH:MM/temp", s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil {
		return period{}, fmt.Errorf("period %q: hour: %w", s, err)
	}
	m, err := strconv.Atoi(ms)
	if err != nil {
		return period{}, fmt.Errorf("period %q: minute: %w", s, err)
	}
	t, err := strconv.ParseFloat(strings.TrimSuffix(tempPart, "°C"), 64)
	if err != nil {
		return period{}, fmt.Errorf("period %q: temperature: %w", s, err)
	}
	return period{hour: h, minute: m, temp: t}, nil
}

// DecodeDaySchedule renders a single-DP day program: up to ten
// (segment, tempHi, tempLo) triples where a segment is ten minutes. A
// period starting at 24:00 ends the day.
func DecodeDaySchedule(data []byte) string {
	periods := make([]string, 0, maxDayPeriods)
	for i := 0; i < maxDayPeriods && i*3+2 < len(data); i++ {
		minutes := int(data[i*3]) * 10
		h, m := minutes/60, minutes%60
		temp := float64(int(data[i*3+1])<<8|int(data[i*3+2])) / 10
		periods = append(periods, fmt.Sprintf("%02d:%02d/%s", h, m, strconv.FormatFloat(temp, 'f', -1, 64)))
		if h == 24 {
			break
		}
	}
	return strings.Join(periods, " ")
}

// EncodeDaySchedule builds the single-DP payload for weekDay. The leading
// day byte depends on the device's working_day mode.
func EncodeDaySchedule(weekDay, workingDay, schedule string) ([]byte, error) {
	dayBit, ok := scheduleDayByte[weekDay]
	if !ok {
		return nil, domainErr("week_day", weekDay, "monday..sunday")
	}
	payload := make([]byte, 0, 1+maxDayPeriods*3)
	switch workingDay {
	case "mon_sun":
		payload = append(payload, 127)
	case "mon_fri+sat+sun":
		if weekDay != "saturday" && weekDay != "sunday" {
			payload = append(payload, 31)
		} else {
			payload = append(payload, dayBit)
		}
	case "separate":
		payload = append(payload, dayBit)
	default:
		return nil, domainErr("working_day", workingDay, "mon_sun, mon_fri+sat+sun or separate")
	}

	items := strings.Fields(schedule)
	if len(items) < 2 || len(items) > maxDayPeriods {
		return nil, domainErr("schedule", schedule, "2..10 periods")
	}
	prevHour := -1
	for _, item := range items {
		p, err := parsePeriod(item)
		if err != nil {
			return nil, domainErr("schedule", item, err.Error())
		}
		if p.hour < 0 || p.hour > 24 || p.minute < 0 || p.minute >= 60 || p.minute%10 != 0 ||
			p.temp < 5 || p.temp > 30 || math.Mod(p.temp, 0.5) != 0 {
			return nil, domainErr("schedule", item, "HH:M0 with 5..30 in 0.5 steps")
		}
		if p.hour < prevHour {
			return nil, domainErr("schedule", item, "non-decreasing hours")
		}
		prevHour = p.hour
		temp := int(p.temp * 10)
		payload = append(payload, byte((p.hour*60+p.minute)/10), byte(temp>>8), byte(temp))
	}
	for i := len(items); i < maxDayPeriods; i++ {
		// 24:00 at 18 degrees, the filler devices send themselves.
		payload = append(payload, 144, 0, 180)
	}
	return payload, nil
}

// DecodeTransitions renders a multi-DP day program: a day byte followed by
// four (hour, minute, tempHi, tempLo) transitions.
func DecodeTransitions(data []byte) (string, error) {
	if len(data) < 1+transitionCount*4 {
		return "", fmt.Errorf("transitions: %d bytes, want %d", len(data), 1+transitionCount*4)
	}
	items := make([]string, 0, transitionCount)
	for i := 1; i < 1+transitionCount*4; i += 4 {
		temp := float64(int(data[i+2])<<8|int(data[i+3])) / 10
		items = append(items, fmt.Sprintf("%02d:%02d/%.1f", data[i], data[i+1], temp))
	}
	return strings.Join(items, " "), nil
}

// EncodeTransitions builds the multi-DP payload with day as its first byte.
func EncodeTransitions(day byte, schedule string) ([]byte, error) {
	items := strings.Fields(schedule)
	if len(items) != transitionCount {
		return nil, domainErr("schedule", schedule, "4 transitions")
	}
	payload := []byte{day}
	for _, item := range items {
		p, err := parsePeriod(item)
		if err != nil {
			return nil, domainErr("schedule", item, err.Error())
		}
		temp := int(math.Floor(p.temp * 10))
		if p.hour < 0 || p.hour > 24 || p.minute < 0 || p.minute > 60 || temp < 50 || temp > 300 {
			return nil, domainErr("schedule", item, "hour 0..24, minute 0..60, 5..30 degrees")
		}
		payload = append(payload, byte(p.hour), byte(p.minute), byte(temp>>8), byte(temp))
	}
	return payload, nil
}

const (
	programWeekdaySlots = 6
	programHolidaySlots = 2
)

// DecodeProgram splits an eight-slot program into its weekday and holiday
// halves.
func DecodeProgram(data []byte) (weekday, holiday string, err error) {
	const slots = programWeekdaySlots + programHolidaySlots
	if len(data) < slots*4 {
		return "", "", fmt.Errorf("program: %d bytes, want %d", len(data), slots*4)
	}
	items := make([]string, slots)
	for i := range items {
		b := data[i*4:]
		temp := float64(int(b[2])*256+int(b[3])) / 10
		items[i] = fmt.Sprintf("%02d:%02d/%.1f°C", b[0], b[1], temp)
	}
	return strings.Join(items[:programWeekdaySlots], " "),
		strings.Join(items[programWeekdaySlots:], " "), nil
}

// EncodeProgram packs both halves of an eight-slot program.
func EncodeProgram(weekday, holiday string) ([]byte, error) {
	payload := make([]byte, 0, (programWeekdaySlots+programHolidaySlots)*4)
	var err error
	if payload, err = appendProgramSlots(payload, "schedule_weekday", weekday, programWeekdaySlots); err != nil {
		return nil, err
	}
	return appendProgramSlots(payload, "schedule_holiday", holiday, programHolidaySlots)
}

func appendProgramSlots(payload []byte, field, input string, n int) ([]byte, error) {
	items := strings.Fields(input)
	if len(items) != n {
		return nil, domainErr(field, input, fmt.Sprintf("%d items", n))
	}
	for _, item := range items {
		p, err := parsePeriod(item)
		if err != nil {
			return nil, domainErr(field, item, err.Error())
		}
		if p.hour < 0 || p.hour >= 24 || p.minute < 0 || p.minute >= 60 || p.temp < 5 || p.temp >= 35 {
			return nil, domainErr(field, item, "hh:mm/cc.c with 5 <= t < 35")
		}
		temp := int(math.Round(p.temp * 10))
		payload = append(payload, byte(p.hour), byte(p.minute), byte(temp>>8), byte(temp))
	}
	return payload, nil
}
