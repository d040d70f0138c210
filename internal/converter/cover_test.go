package converter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-tuya-bridge/internal/tuya"
)

func positionDP(dp uint8, v byte) tuya.DpValue {
	return tuya.DpValue{DP: dp, Type: tuya.TypeValue, Data: []byte{0, 0, 0, v}}
}

func TestCoverInversion(t *testing.T) {
	tests := []struct {
		name         string
		mode         string
		manufacturer string
		invertOpt    bool
		want         int64
	}{
		{"inverted manufacturer, option off", PositionAuto, "_TZE200_wmcdj3aq", false, 70},
		{"inverted manufacturer, option on", PositionAuto, "_TZE200_wmcdj3aq", true, 30},
		{"normal manufacturer, option off", PositionAuto, "_TZE200_5zbp6j0u", false, 30},
		{"normal manufacturer, option on", PositionAuto, "_TZE200_5zbp6j0u", true, 70},
		{"self-inverting model, option off", PositionInverted, "_TZE200_5zbp6j0u", false, 70},
		{"self-inverting model, option on", PositionInverted, "_TZE200_5zbp6j0u", true, 30},
		{"direct model ignores manufacturer", PositionDirect, "_TZE200_wmcdj3aq", false, 30},
		{"direct model, option on", PositionDirect, "_TZE200_wmcdj3aq", true, 70},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv, err := NewCover(FactoryConfig{Params: map[string]any{"position_mode": tt.mode}})
			require.NoError(t, err)
			ctx := newTestContext()
			ctx.Manufacturer = tt.manufacturer
			ctx.Options = map[string]any{"invert_cover": tt.invertOpt}

			p := conv.Decode(frame(positionDP(3, 30)), ctx)
			assert.Equal(t, Patch{"position": tt.want}, p)

			// Encoding applies the same rule, so the round trip is stable.
			dps, err := conv.Encode("position", tt.want, ctx)
			require.NoError(t, err)
			require.Len(t, dps, 1)
			assert.Equal(t, uint8(2), dps[0].DP)
			assert.Equal(t, []byte{0, 0, 0, 30}, dps[0].Data)
		})
	}
}

func TestCoverPositionLowByte(t *testing.T) {
	conv, err := NewCover(FactoryConfig{})
	require.NoError(t, err)
	p := conv.Decode(frame(tuya.DpValue{DP: 2, Type: tuya.TypeValue, Data: []byte{0, 0, 1, 30}}), newTestContext())
	assert.Equal(t, Patch{"position": int64(30)}, p)
}

func TestCoverControl(t *testing.T) {
	conv, err := NewCover(FactoryConfig{})
	require.NoError(t, err)
	ctx := newTestContext()

	dps, err := conv.Encode("state", "close", ctx)
	require.NoError(t, err)
	assert.Equal(t, []tuya.DpValue{{DP: 1, Type: tuya.TypeEnum, Data: []byte{2}}}, dps)

	ctx.Manufacturer = "_TZE200_rddyvrci"
	dps, err = conv.Encode("state", "CLOSE", ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, dps[0].Data)
	dps, err = conv.Encode("state", "open", ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, dps[0].Data)

	p := conv.Decode(frame(tuya.DpValue{DP: 1, Type: tuya.TypeEnum, Data: []byte{0}}), ctx)
	assert.Equal(t, Patch{"state": "CLOSE"}, p)

	_, err = conv.Encode("state", "jam", ctx)
	assert.ErrorIs(t, err, ErrOutOfDomain)
}

func TestCoverDiagnostics(t *testing.T) {
	conv, err := NewCover(FactoryConfig{DPs: map[string]uint8{"position": 2}})
	require.NoError(t, err)
	assert.Equal(t, []uint8{1, 2, 5}, conv.DPs())

	ctx := newTestContext()
	p := conv.Decode(frame(
		tuya.DpValue{DP: 2, Type: tuya.TypeEnum, Data: []byte{1}},
		positionDP(2, 150),
		tuya.DpValue{DP: 5, Type: tuya.TypeEnum, Data: []byte{1}},
	), ctx)
	assert.Equal(t, Patch{"motor_direction": "back"}, p)
	counts := ctx.Reporter.Counts()
	assert.Equal(t, uint64(1), counts[CategoryWireType])
	assert.Equal(t, uint64(1), counts[CategoryOutOfRange])

	_, err = conv.Encode("position", 101, ctx)
	assert.ErrorIs(t, err, ErrOutOfDomain)
	_, err = conv.Encode("tilt", 1, ctx)
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestCoverRejectsUnknownMode(t *testing.T) {
	_, err := NewCover(FactoryConfig{Params: map[string]any{"position_mode": "sideways"}})
	assert.Error(t, err)
}
