package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	samplesDir = "../../devices"
	scriptsDir = "../../scripts"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--devices", samplesDir, "--scripts", scriptsDir}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestDecodeRaw(t *testing.T) {
	out, err := run(t, "decode", "00 01 05 02 00 04 00 00 01 5e")
	require.NoError(t, err)
	assert.Contains(t, out, "seq 1 (0x0001)")
	assert.Contains(t, out, "0000015e")
	assert.Contains(t, out, "350")
	assert.NotContains(t, out, "patch:")
}

func TestDecodeWithProfile(t *testing.T) {
	out, err := run(t, "decode", "0001050200040000015e",
		"--manufacturer", "_TZE200_myd45weu", "--model", "TS0601", "--format", "json")
	require.NoError(t, err)

	var res struct {
		Seq   uint16         `json:"seq"`
		DPs   []dpView       `json:"dps"`
		Patch map[string]any `json:"patch"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, uint16(1), res.Seq)
	require.Len(t, res.DPs, 1)
	assert.Equal(t, uint8(5), res.DPs[0].DP)
	assert.Equal(t, "value", res.DPs[0].Type)
	assert.EqualValues(t, 35, res.Patch["temperature"])
}

func TestDecodeAlias(t *testing.T) {
	out, err := run(t, "decode", "0001050200040000015e",
		"--manufacturer", "_TZE200_ga1maeof", "--model", "TS0601")
	require.NoError(t, err)
	assert.Contains(t, out, "temperature: 35")
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad hex", []string{"decode", "zz"}},
		{"truncated", []string{"decode", "000105020004"}},
		{"unknown profile", []string{"decode", "0001", "--manufacturer", "_TZE200_nope"}},
		{"no payload", []string{"decode"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestEncodeRawDPs(t *testing.T) {
	out, err := run(t, "encode", "--dp", "1:bool:01", "--seq", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "00070101000101\n")
}

func TestEncodeField(t *testing.T) {
	out, err := run(t, "encode", "report_interval=10",
		"--manufacturer", "_TZE200_bjawzodf", "--model", "TS0601", "--format", "json")
	require.NoError(t, err)

	var res encodeResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "0000110200040000000a", res.Payload)
	require.Len(t, res.DPs, 1)
	assert.Equal(t, uint8(17), res.DPs[0].DP)
}

func TestEncodeErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"nothing", []string{"encode"}},
		{"field without profile", []string{"encode", "report_interval=10"}},
		{"not key value", []string{"encode", "report_interval", "--manufacturer", "_TZE200_bjawzodf", "--model", "TS0601"}},
		{"read only", []string{"encode", "battery=50", "--manufacturer", "_TZE200_bjawzodf", "--model", "TS0601"}},
		{"out of range", []string{"encode", "report_interval=500", "--manufacturer", "_TZE200_bjawzodf", "--model", "TS0601"}},
		{"bad raw dp", []string{"encode", "--dp", "1:bool"}},
		{"bad raw type", []string{"encode", "--dp", "1:float:01"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestValidateSamples(t *testing.T) {
	out, err := run(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "profiles OK")
	assert.Contains(t, out, "_TZE200_myd45weu TS0601")
}

func TestValidateRejectsBadProfile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(`devices:
  - manufacturer: _TZE200_bad
    model: TS0601
    tuya_datapoints:
      - {dp: 1, type: bool, name: state}
      - {dp: 1, type: value, name: level}
`), 0o644))

	_, err := run(t, "validate", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")

	_, err = run(t, "validate", filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestParseHex(t *testing.T) {
	tests := []struct {
		in   string
		want []byte
	}{
		{"0x0001", []byte{0, 1}},
		{"00:01", []byte{0, 1}},
		{" 00 01 ", []byte{0, 1}},
		{"00-01", []byte{0, 1}},
	}
	for _, tt := range tests {
		got, err := parseHex(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := parseHex("0g")
	assert.Error(t, err)
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, 21.5, parseValue("21.5"))
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, "auto", parseValue(`"auto"`))
	assert.Equal(t, "auto", parseValue("auto"))
}
