package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"zigbee-tuya-bridge/internal/converter"
	"zigbee-tuya-bridge/internal/coordinator"
	"zigbee-tuya-bridge/internal/script"
	"zigbee-tuya-bridge/internal/tuya"
	"zigbee-tuya-bridge/internal/zcl"
	"zigbee-tuya-bridge/internal/zcl/clusters"
)

// globalOptions are shared by every subcommand.
type globalOptions struct {
	devicesDir   string
	scriptsDir   string
	manufacturer string
	model        string
	format       string
	verbose      bool
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:   "tuyadp",
		Short: "Tuya DP frame tool",
		Long: `Decode and encode Tuya 0xEF00 data point frames against device profiles.

Profiles are read from the same devices directory the bridge uses.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVar(&g.devicesDir, "devices", "devices", "Device profile directory")
	root.PersistentFlags().StringVar(&g.scriptsDir, "scripts", "scripts", "Lua converter directory")
	root.PersistentFlags().StringVar(&g.manufacturer, "manufacturer", "", "Manufacturer name selecting the profile")
	root.PersistentFlags().StringVar(&g.model, "model", "", "Model selecting the profile")
	root.PersistentFlags().StringVar(&g.format, "format", "text", "Output format (text, json)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "Log profile loading and diagnostics")

	root.AddCommand(newDecodeCmd(g), newEncodeCmd(g), newValidateCmd(g))
	return root
}

func (g *globalOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func loadDB(dir, scriptsDir string, logger *slog.Logger) (*coordinator.DeviceDB, error) {
	registry := zcl.NewRegistry(logger)
	clusters.RegisterAll(registry)
	convs := converter.NewRegistry()
	convs.RegisterPrefix("lua", script.NewLoader(scriptsDir, logger).Factory())
	return coordinator.LoadDeviceDir(dir, registry, convs, logger)
}

// profile returns the selected profile, or nil when no manufacturer is given.
func (g *globalOptions) profile(logger *slog.Logger) (*coordinator.Profile, error) {
	if g.manufacturer == "" {
		return nil, nil
	}
	db, err := loadDB(g.devicesDir, g.scriptsDir, logger)
	if err != nil {
		return nil, err
	}
	p := db.Lookup(g.manufacturer, g.model)
	if p == nil {
		return nil, fmt.Errorf("no profile for %s %s in %s", g.manufacturer, g.model, g.devicesDir)
	}
	return p, nil
}

// converterContext mirrors what the coordinator hands converters.
func converterContext(g *globalOptions, p *coordinator.Profile, options, state map[string]string, rep *converter.Reporter) converter.Context {
	opts := make(map[string]any)
	for k, v := range p.Def.Options {
		opts[k] = v
	}
	for k, v := range options {
		opts[k] = parseValue(v)
	}
	st := make(map[string]any, len(state))
	for k, v := range state {
		st[k] = parseValue(v)
	}
	return converter.Context{
		IEEE:         "cli",
		Manufacturer: g.manufacturer,
		Model:        g.model,
		Options:      opts,
		State:        st,
		Reporter:     rep,
	}
}

// parseHex accepts "0001 05 02 0004 0000015e", "00:01:..." or "0x0001...".
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', ':', '-', '\t', '\n':
			return -1
		}
		return r
	}, s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return b, nil
}

// parseValue reads a command-line value: JSON when it parses, the raw
// text otherwise.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

type dpView struct {
	DP    uint8  `json:"dp"`
	Type  string `json:"type"`
	Data  string `json:"data"`
	Value any    `json:"value,omitempty"`
}

func viewDP(dp tuya.DpValue) dpView {
	v := dpView{DP: dp.DP, Type: dp.Type.String(), Data: hex.EncodeToString(dp.Data)}
	if val, err := dp.Decode(); err == nil {
		if b, ok := val.([]byte); ok {
			val = hex.EncodeToString(b)
		}
		v.Value = val
	}
	if dp.Type == tuya.TypeValue {
		if n, err := dp.Int32(); err == nil {
			v.Value = n
		}
	}
	return v
}

type decodeResult struct {
	Seq         uint16                 `json:"seq"`
	DPs         []dpView               `json:"dps"`
	Patch       converter.Patch        `json:"patch,omitempty"`
	Diagnostics []converter.Diagnostic `json:"diagnostics,omitempty"`
}

func newDecodeCmd(g *globalOptions) *cobra.Command {
	var options, state map[string]string
	cmd := &cobra.Command{
		Use:   "decode <hex>",
		Short: "Decode a DP frame payload",
		Long: `Decode the payload of a dataReport/dataResponse command: a 2-byte sequence
followed by dp|type|len|data records.

With --manufacturer (and --model) the frame is also run through the
profile's converters and the normalized patch is printed.`,
		Example: `  tuyadp decode 0001050200040000015e
  tuyadp decode "00 01 05 02 00 04 00 00 01 5e" --manufacturer _TZE200_myd45weu --model TS0601`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseHex(strings.Join(args, ""))
			if err != nil {
				return err
			}
			frame, err := tuya.DecodeFrame(payload)
			if err != nil {
				return err
			}
			logger := g.logger(cmd.ErrOrStderr())
			p, err := g.profile(logger)
			if err != nil {
				return err
			}

			res := decodeResult{Seq: frame.Seq}
			for _, dp := range frame.DPs {
				res.DPs = append(res.DPs, viewDP(dp))
			}
			if p != nil {
				rep := converter.NewReporter(logger)
				rep.OnReport(func(d converter.Diagnostic) {
					res.Diagnostics = append(res.Diagnostics, d)
				})
				res.Patch = p.Chain.Decode(frame, converterContext(g, p, options, state, rep))
			}
			return printDecode(cmd.OutOrStdout(), g.format, res)
		},
	}
	cmd.Flags().StringToStringVar(&options, "option", nil, "Converter option (key=value), repeatable")
	cmd.Flags().StringToStringVar(&state, "state", nil, "Prior device state (key=value), repeatable")
	return cmd
}

func printDecode(w io.Writer, format string, res decodeResult) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintf(w, "seq %d (0x%04X)\n", res.Seq, res.Seq)
	for _, dp := range res.DPs {
		fmt.Fprintf(w, "  dp %-3d %-6s %-16s %v\n", dp.DP, dp.Type, dp.Data, dp.Value)
	}
	if res.Patch != nil {
		fmt.Fprintln(w, "patch:")
		keys := make([]string, 0, len(res.Patch))
		for k := range res.Patch {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %v\n", k, res.Patch[k])
		}
	}
	for _, d := range res.Diagnostics {
		fmt.Fprintf(w, "diagnostic %s: %s\n", d.Category, d.Message)
	}
	return nil
}

// parseRawDP reads "dp:type:hex", e.g. "1:bool:01".
func parseRawDP(s string) (tuya.DpValue, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return tuya.DpValue{}, fmt.Errorf("dp %q: want dp:type:hex", s)
	}
	id, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil {
		return tuya.DpValue{}, fmt.Errorf("dp %q: %w", s, err)
	}
	typ, err := tuya.ParseWireType(parts[1])
	if err != nil {
		return tuya.DpValue{}, fmt.Errorf("dp %q: %w", s, err)
	}
	data, err := parseHex(parts[2])
	if err != nil {
		return tuya.DpValue{}, fmt.Errorf("dp %q: %w", s, err)
	}
	return tuya.DpValue{DP: uint8(id), Type: typ, Data: data}, nil
}

type encodeResult struct {
	Seq     uint16   `json:"seq"`
	Payload string   `json:"payload"`
	DPs     []dpView `json:"dps"`
}

func newEncodeCmd(g *globalOptions) *cobra.Command {
	var (
		seq     uint16
		raw     []string
		options map[string]string
		state   map[string]string
	)
	cmd := &cobra.Command{
		Use:   "encode [field=value...]",
		Short: "Encode a dataRequest payload",
		Long: `Encode normalized field writes through a profile's converters, or raw
DPs given as dp:type:hex, into a dataRequest payload.

Fields are encoded in argument order. Values parse as JSON when they can
(21.5, true, "auto") and as plain text otherwise.`,
		Example: `  tuyadp encode current_heating_setpoint=21.5 --manufacturer _TZE200_aoclfnxz --model TS0601
  tuyadp encode --dp 1:bool:01 --dp 2:value:000000d7 --seq 7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var dps []tuya.DpValue
			for _, s := range raw {
				dp, err := parseRawDP(s)
				if err != nil {
					return err
				}
				dps = append(dps, dp)
			}

			if len(args) > 0 {
				if g.manufacturer == "" {
					return fmt.Errorf("field writes need --manufacturer")
				}
				logger := g.logger(cmd.ErrOrStderr())
				p, err := g.profile(logger)
				if err != nil {
					return err
				}
				ctx := converterContext(g, p, options, state, converter.NewReporter(logger))
				for _, a := range args {
					field, value, ok := strings.Cut(a, "=")
					if !ok {
						return fmt.Errorf("%q: want field=value", a)
					}
					out, err := p.Chain.Encode(field, parseValue(value), ctx)
					if err != nil {
						return err
					}
					dps = append(dps, out...)
				}
			}
			if len(dps) == 0 {
				return fmt.Errorf("nothing to encode")
			}

			frame := &tuya.Frame{Seq: seq, DPs: dps}
			res := encodeResult{Seq: seq, Payload: hex.EncodeToString(frame.Encode())}
			for _, dp := range dps {
				res.DPs = append(res.DPs, viewDP(dp))
			}
			w := cmd.OutOrStdout()
			if g.format == "json" {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprintln(w, res.Payload)
			for _, dp := range res.DPs {
				fmt.Fprintf(w, "  dp %-3d %-6s %-16s %v\n", dp.DP, dp.Type, dp.Data, dp.Value)
			}
			return nil
		},
	}
	cmd.Flags().Uint16Var(&seq, "seq", 0, "Sequence number")
	cmd.Flags().StringArrayVar(&raw, "dp", nil, "Raw DP as dp:type:hex, repeatable")
	cmd.Flags().StringToStringVar(&options, "option", nil, "Converter option (key=value), repeatable")
	cmd.Flags().StringToStringVar(&state, "state", nil, "Prior device state (key=value), repeatable")
	return cmd
}

func newValidateCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir...]",
		Short: "Compile every profile in a devices directory",
		Long: `Load and compile every *.json, *.yaml and *.yml profile. Duplicate DPs or
names, unknown converters and bad ranges fail with the offending file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				dirs = []string{g.devicesDir}
			}
			logger := g.logger(cmd.ErrOrStderr())
			w := cmd.OutOrStdout()
			for _, dir := range dirs {
				if _, err := os.Stat(dir); err != nil {
					return err
				}
				db, err := loadDB(dir, g.scriptsDir, logger)
				if err != nil {
					return fmt.Errorf("%s: %w", dir, err)
				}
				profiles := db.All()
				fmt.Fprintf(w, "%s: %d profiles OK\n", dir, len(profiles))
				for _, p := range profiles {
					model := p.Def.Model
					if model == "" {
						model = "*"
					}
					fmt.Fprintf(w, "  %s %s: %s\n", p.Def.Manufacturer, model, strings.Join(p.Chain.Fields(), ", "))
				}
			}
			return nil
		},
	}
}
