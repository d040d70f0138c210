// Package script runs user-supplied Lua converters for devices that neither
// a schema nor a built-in converter can describe.
//
// A converter script declares globals:
//
//	dps    = {1, 2}             -- ids claimed by the script
//	fields = {"state", "level"} -- fields it publishes and accepts
//	function decode(dps, state, options) return {field = value} end
//	function encode(field, value, state) return {{dp = 1, type = "bool", value = true}} end
//
// Each inbound DP is a table {dp, type, value, data} where data is the
// payload as a hex string. encode may return records with either value or
// a hex data string.
package script

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zigbee-tuya-bridge/internal/converter"
	"zigbee-tuya-bridge/internal/transform"
	"zigbee-tuya-bridge/internal/tuya"
)

// DefaultTimeout bounds a single decode or encode call.
const DefaultTimeout = time.Second

// Converter is a converter.Converter backed by one Lua VM. Calls are
// serialized since an LState is not safe for concurrent use.
type Converter struct {
	name    string
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	L      *lua.LState
	dps    []uint8
	fields []string
}

// New compiles code and reads its declarations.
func New(name, code string, logger *slog.Logger) (*Converter, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})

	// Sandbox: remove dangerous libs and functions
	L.SetGlobal("os", lua.LNil)
	L.SetGlobal("io", lua.LNil)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("debug", lua.LNil)
	L.SetGlobal("package", lua.LNil)

	c := &Converter{
		name:    name,
		logger:  logger.With("component", "lua", "script", name),
		timeout: DefaultTimeout,
		L:       L,
	}
	registerTuyaModule(L, c)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	L.SetContext(ctx)
	err := L.DoString(code)
	L.RemoveContext()
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("load script %s: %w", name, err)
	}

	if err := c.readDeclarations(); err != nil {
		L.Close()
		return nil, fmt.Errorf("script %s: %w", name, err)
	}
	if _, ok := L.GetGlobal("decode").(*lua.LFunction); !ok {
		L.Close()
		return nil, fmt.Errorf("script %s: missing decode function", name)
	}
	return c, nil
}

func (c *Converter) readDeclarations() error {
	dps, ok := c.L.GetGlobal("dps").(*lua.LTable)
	if !ok || dps.Len() == 0 {
		return errors.New("dps must be a non-empty list")
	}
	for i := 1; i <= dps.Len(); i++ {
		n, ok := dps.RawGetInt(i).(lua.LNumber)
		if !ok || n < 0 || n > 255 || float64(n) != float64(int(n)) {
			return fmt.Errorf("dps[%d] is not a dp id", i)
		}
		c.dps = append(c.dps, uint8(n))
	}
	if fields, ok := c.L.GetGlobal("fields").(*lua.LTable); ok {
		for i := 1; i <= fields.Len(); i++ {
			s, ok := fields.RawGetInt(i).(lua.LString)
			if !ok {
				return fmt.Errorf("fields[%d] is not a string", i)
			}
			c.fields = append(c.fields, string(s))
		}
	}
	return nil
}

// registerTuyaModule exposes a small helper table to scripts.
func registerTuyaModule(L *lua.LState, c *Converter) {
	mod := L.NewTable()
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		c.logger.Info("script log", "msg", L.CheckString(1))
		return 0
	}))
	// tuya.fold(raw, threshold) mirrors the two's-complement fold used for
	// signed offsets.
	mod.RawSetString("fold", L.NewFunction(func(L *lua.LState) int {
		raw := uint32(L.CheckNumber(1))
		threshold := uint32(L.OptNumber(2, 0x80000000))
		L.Push(lua.LNumber(transform.TwosComplementFold(raw, threshold)))
		return 1
	}))
	mod.RawSetString("weekdays", L.NewFunction(func(L *lua.LState) int {
		L.Push(goToLua(L, transform.WeekdayBitmap(uint8(L.CheckNumber(1)))))
		return 1
	}))
	L.SetGlobal("tuya", mod)
}

// Name returns the script name.
func (c *Converter) Name() string { return c.name }

// Close releases the VM.
func (c *Converter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.L.Close()
}

func (c *Converter) Capability() converter.Capability { return converter.DataCapability }

func (c *Converter) DPs() []uint8 { return c.dps }

func (c *Converter) Fields() []string { return c.fields }

// call runs fn under the per-call timeout and returns its single result.
func (c *Converter) call(fn string, args ...lua.LValue) (lua.LValue, error) {
	f, ok := c.L.GetGlobal(fn).(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("%s is not defined", fn)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	c.L.SetContext(ctx)
	defer c.L.RemoveContext()

	if err := c.L.CallByParam(lua.P{Fn: f, NRet: 1, Protect: true}, args...); err != nil {
		msg := err.Error()
		if strings.Contains(msg, "context deadline exceeded") {
			msg = fmt.Sprintf("timeout (%s)", c.timeout)
		}
		return nil, errors.New(msg)
	}
	ret := c.L.Get(-1)
	c.L.Pop(1)
	return ret, nil
}

func (c *Converter) Decode(f *tuya.Frame, ctx converter.Context) converter.Patch {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.L.NewTable()
	for i, dp := range f.DPs {
		t := c.L.NewTable()
		t.RawSetString("dp", lua.LNumber(dp.DP))
		t.RawSetString("type", lua.LString(dp.Type.String()))
		t.RawSetString("data", lua.LString(hex.EncodeToString(dp.Data)))
		if v, err := dp.Decode(); err == nil {
			t.RawSetString("value", goToLua(c.L, v))
		}
		if dp.Type == tuya.TypeValue {
			if n, err := dp.Int32(); err == nil {
				t.RawSetString("signed", lua.LNumber(n))
			}
		}
		list.RawSetInt(i+1, t)
	}

	ret, err := c.call("decode", list, goToLua(c.L, ctx.State), goToLua(c.L, ctx.Options))
	if err != nil {
		c.logger.Warn("decode failed", "device", ctx.IEEE, "err", err)
		return converter.Patch{}
	}
	out := converter.Patch{}
	if m, ok := luaToGo(ret).(map[string]interface{}); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func (c *Converter) Encode(field string, value any, ctx converter.Context) ([]tuya.DpValue, error) {
	known := false
	for _, f := range c.fields {
		if f == field {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", converter.ErrUnknownField, field)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.L.GetGlobal("encode").(*lua.LFunction); !ok {
		return nil, fmt.Errorf("%w: %s", converter.ErrReadOnly, field)
	}
	ret, err := c.call("encode", lua.LString(field), goToLua(c.L, value), goToLua(c.L, ctx.State))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", field, converter.ErrOutOfDomain, err)
	}
	records, ok := luaToGo(ret).([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: encode must return a list of records", field)
	}
	out := make([]tuya.DpValue, 0, len(records))
	for i, r := range records {
		m, ok := r.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: record %d is not a table", field, i+1)
		}
		dp, err := recordToDP(m)
		if err != nil {
			return nil, fmt.Errorf("%s: record %d: %w", field, i+1, err)
		}
		out = append(out, dp)
	}
	return out, nil
}

func recordToDP(m map[string]interface{}) (tuya.DpValue, error) {
	id, ok := transform.ToInt64(m["dp"])
	if !ok || id < 0 || id > 255 {
		return tuya.DpValue{}, fmt.Errorf("bad dp %v", m["dp"])
	}
	typeName, _ := m["type"].(string)
	wt, err := tuya.ParseWireType(typeName)
	if err != nil {
		return tuya.DpValue{}, err
	}
	dp := uint8(id)

	if data, ok := m["data"].(string); ok {
		b, err := hex.DecodeString(data)
		if err != nil {
			return tuya.DpValue{}, fmt.Errorf("data: %w", err)
		}
		return tuya.DpValue{DP: dp, Type: wt, Data: b}, nil
	}

	v := m["value"]
	switch wt {
	case tuya.TypeBool:
		b, ok := transform.ToBool(v)
		if !ok {
			return tuya.DpValue{}, fmt.Errorf("%w: bool value %v", converter.ErrOutOfDomain, v)
		}
		return tuya.EncodeBool(dp, b), nil
	case tuya.TypeValue, tuya.TypeEnum, tuya.TypeBitmap:
		n, ok := transform.ToInt64(v)
		if !ok {
			return tuya.DpValue{}, fmt.Errorf("%w: integer value %v", converter.ErrOutOfDomain, v)
		}
		var (
			out tuya.DpValue
			err error
		)
		switch wt {
		case tuya.TypeValue:
			out, err = tuya.EncodeValue(dp, n)
		case tuya.TypeEnum:
			out, err = tuya.EncodeEnum(dp, n)
		default:
			width, _ := transform.ToInt64(m["width"])
			if width == 0 {
				width = 1
			}
			if n < 0 || n > 0xFFFFFFFF {
				return tuya.DpValue{}, fmt.Errorf("%w: bitmap %d", converter.ErrOutOfDomain, n)
			}
			out, err = tuya.EncodeBitmap(dp, uint32(n), int(width))
		}
		if err != nil {
			return tuya.DpValue{}, fmt.Errorf("%w: %v", converter.ErrOutOfDomain, err)
		}
		return out, nil
	case tuya.TypeString:
		s, ok := v.(string)
		if !ok {
			return tuya.DpValue{}, fmt.Errorf("%w: string value %v", converter.ErrOutOfDomain, v)
		}
		out, err := tuya.EncodeString(dp, s)
		if err != nil {
			return tuya.DpValue{}, fmt.Errorf("%w: %v", converter.ErrOutOfDomain, err)
		}
		return out, nil
	case tuya.TypeRaw:
		list, ok := v.([]interface{})
		if !ok {
			return tuya.DpValue{}, fmt.Errorf("%w: raw needs data or a byte list", converter.ErrOutOfDomain)
		}
		b := make([]byte, len(list))
		for i, item := range list {
			n, ok := transform.ToInt64(item)
			if !ok || n < 0 || n > 255 {
				return tuya.DpValue{}, fmt.Errorf("%w: byte %d is %v", converter.ErrOutOfDomain, i+1, item)
			}
			b[i] = byte(n)
		}
		return tuya.EncodeRaw(dp, b), nil
	}
	return tuya.DpValue{}, fmt.Errorf("unsupported type %s", wt)
}
