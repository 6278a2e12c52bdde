package printer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/john/k1bridge/k1ws"
)

// Temperature limits used until the printer reports its own.
const (
	DefaultMaxNozzleTemp = 350.0
	DefaultMaxBedTemp    = 120.0
)

// SetFanPercent sets the speed of a fan slot. percent must be in [0, 100].
func (c *Client) SetFanPercent(ctx context.Context, slot k1ws.FanSlot, percent int) error {
	if !slot.Valid() {
		return c.reject("fan", fmt.Errorf("%w: unknown fan slot %d", ErrInvalidArgument, int(slot)))
	}
	if percent < 0 || percent > 100 {
		return c.reject("fan", fmt.Errorf("%w: fan percent %d out of range [0, 100]", ErrInvalidArgument, percent))
	}

	frame, err := k1ws.EncodeFan(slot, percent)
	if err != nil {
		return c.reject("fan", fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}

	conn, err := c.dispatch(ctx, "fan", frame,
		attribute.String("fan.slot", slot.String()),
		attribute.Int("fan.percent", percent))
	if err != nil {
		return err
	}

	c.applyOptimistic(conn, func(st *PrinterState) {
		st.Fans[slot].Percent = k1ws.Some(percent)
		st.Fans[slot].On = k1ws.Some(percent > 0)
	})
	return nil
}

// SetLight switches the chamber light.
func (c *Client) SetLight(ctx context.Context, on bool) error {
	conn, err := c.dispatch(ctx, "light", k1ws.EncodeLight(on), attribute.Bool("light.on", on))
	if err != nil {
		return err
	}

	c.applyOptimistic(conn, func(st *PrinterState) {
		st.Light = k1ws.Some(on)
	})
	return nil
}

// SetTargetTemperature sets a heater target. celsius must be between 0 and
// the heater's maximum, as reported by the printer or the default limit.
func (c *Client) SetTargetTemperature(ctx context.Context, heater k1ws.Heater, celsius float64) error {
	limit, err := c.maxTemp(heater)
	if err != nil {
		return c.reject("heater", err)
	}
	if math.IsNaN(celsius) || celsius < 0 || celsius > limit {
		return c.reject("heater", fmt.Errorf("%w: %s target %.1f out of range [0, %.0f]",
			ErrInvalidArgument, heater, celsius, limit))
	}

	frame, err := k1ws.EncodeHeater(heater, celsius)
	if err != nil {
		return c.reject("heater", fmt.Errorf("%w: %v", ErrInvalidArgument, err))
	}

	conn, err := c.dispatch(ctx, "heater", frame,
		attribute.String("heater", heater.String()),
		attribute.Float64("heater.target", celsius))
	if err != nil {
		return err
	}

	c.applyOptimistic(conn, func(st *PrinterState) {
		switch heater {
		case k1ws.HeaterNozzle:
			st.Temps.NozzleTarget = k1ws.Some(celsius)
		case k1ws.HeaterBed:
			st.Temps.BedTarget = k1ws.Some(celsius)
		}
	})
	return nil
}

func (c *Client) maxTemp(heater k1ws.Heater) (float64, error) {
	snap := c.store.Snapshot()
	switch heater {
	case k1ws.HeaterNozzle:
		if v, ok := snap.Temps.NozzleMax.Get(); ok && v > 0 {
			return v, nil
		}
		return DefaultMaxNozzleTemp, nil
	case k1ws.HeaterBed:
		if v, ok := snap.Temps.BedMax.Get(); ok && v > 0 {
			return v, nil
		}
		return DefaultMaxBedTemp, nil
	}
	return 0, fmt.Errorf("%w: unknown heater %d", ErrInvalidArgument, int(heater))
}

// applyOptimistic records a sent command in the store unless the
// connection it went out on has since been dropped and the store reset.
func (c *Client) applyOptimistic(conn *k1ws.Conn, fn func(*PrinterState)) {
	if !c.store.apply(func() bool { return c.session.current(conn) }, fn) {
		c.log.Debug("Connection replaced before optimistic update, skipping")
	}
}

func (c *Client) reject(kind string, err error) error {
	c.metrics.commands.WithLabelValues(kind, "invalid").Inc()
	return err
}

// dispatch sends one command frame on the live connection.
func (c *Client) dispatch(ctx context.Context, kind string, frame []byte, attrs ...attribute.KeyValue) (*k1ws.Conn, error) {
	_, span := c.tracer.Start(ctx, "k1bridge.command", trace.WithAttributes(
		append(attrs,
			attribute.String("printer.name", c.cfg.Name),
			attribute.String("command.kind", kind))...,
	))
	defer span.End()

	conn, err := c.session.send(frame)
	switch {
	case err == nil:
		c.metrics.commands.WithLabelValues(kind, "sent").Inc()
		c.log.Debug("Sent command", "kind", kind, "frame", string(frame))
		return conn, nil
	case errors.Is(err, ErrNotConnected):
		c.metrics.commands.WithLabelValues(kind, "not_connected").Inc()
	default:
		c.metrics.commands.WithLabelValues(kind, "error").Inc()
		c.log.Warn("Failed to send command", "kind", kind, "err", err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, fmt.Errorf("%s command: %w", kind, err)
}
