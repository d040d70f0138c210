package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"zigbee-tuya-bridge/internal/tuya"
)

// SendOptions tunes one outbound DP frame.
type SendOptions struct {
	// Seq pins the transaction id; nil takes the next shared counter value.
	Seq                    *uint16
	DisableDefaultResponse bool
}

// SendDataPoints frames dps under command and hands them to the radio.
// It returns the sequence the frame was stamped with.
func (c *Coordinator) SendDataPoints(ctx context.Context, ieee, command string, dps []tuya.DpValue, opts SendOptions) (uint16, error) {
	ieee = canonicalIEEE(ieee)
	seq := c.seq.Next(opts.Seq)
	frame := &tuya.Frame{Seq: seq, DPs: dps}
	if err := c.sendCommand(ctx, ieee, command, frame.Encode(), opts.DisableDefaultResponse); err != nil {
		return seq, fmt.Errorf("send %s to %s: %w", command, ieee, err)
	}

	dpIDs := make([]uint8, len(dps))
	for i, dp := range dps {
		dpIDs[i] = dp.DP
	}
	c.logger.Debug("dps sent", "ieee", ieee, "cmd", command, "seq", seq, "dps", dpIDs)
	c.events.Emit(Event{Type: EventDataPointsSent, Data: map[string]interface{}{
		"request_id": uuid.NewString(),
		"ieee":       ieee,
		"command":    command,
		"seq":        seq,
		"dps":        dpIDs,
	}})
	return seq, nil
}

// Set writes one normalized field. The value is encoded by the device's
// converter chain and sent as a dataRequest.
func (c *Coordinator) Set(ctx context.Context, ieee, field string, value any) error {
	dev, p, err := c.Profile(ieee)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%s: %w", dev.IEEEAddress, ErrNoProfile)
	}

	c.mu.Lock()
	dps, err := p.Chain.Encode(field, value, c.converterContext(dev, p))
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if len(dps) == 0 {
		return nil
	}
	_, err = c.SendDataPoints(ctx, dev.IEEEAddress, tuya.DataRequest, dps, SendOptions{DisableDefaultResponse: true})
	return err
}

// SetState writes several fields in key order. Every field is attempted;
// the failures are joined.
func (c *Coordinator) SetState(ctx context.Context, ieee string, values map[string]any) error {
	fields := make([]string, 0, len(values))
	for f := range values {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var errs []error
	for _, f := range fields {
		if err := c.Set(ctx, ieee, f, values[f]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f, err))
		}
	}
	return errors.Join(errs...)
}

// Query asks the device to report all its DPs.
func (c *Coordinator) Query(ctx context.Context, ieee string) error {
	ieee = canonicalIEEE(ieee)
	if err := c.sendCommand(ctx, ieee, tuya.DataQuery, nil, false); err != nil {
		return fmt.Errorf("query %s: %w", ieee, err)
	}
	c.logger.Debug("dp query sent", "ieee", ieee)
	return nil
}
