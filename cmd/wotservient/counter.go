package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/twinfer/wotkit/pkg/servient"
	"github.com/twinfer/wotkit/pkg/wot"
)

const counterThingID = "urn:wotkit:counter"

// produceCounter exposes the demo counter Thing.
func produceCounter(ctx context.Context, s *servient.Servient) (*servient.ExposedThing, error) {
	td, err := wot.NewThingBuilder(counterThingID, "Counter").
		WithDescription("Counts up and down and reports every change").
		Build()
	if err != nil {
		return nil, err
	}
	thing, err := s.Produce(td)
	if err != nil {
		return nil, err
	}

	count := wot.NewProperty("integer")
	count.Title = "Current count"
	count.ReadOnly = true
	count.Observable = true
	if err := thing.AddProperty("count", count, servient.WithInitialValue(0)); err != nil {
		return nil, err
	}

	lastChange := wot.NewProperty("string")
	lastChange.Format = "date-time"
	lastChange.ReadOnly = true
	lastChange.Observable = true
	if err := thing.AddProperty("lastChange", lastChange, servient.WithInitialValue(time.Now().UTC().Format(time.RFC3339))); err != nil {
		return nil, err
	}

	c := &counter{thing: thing}
	for name, delta := range map[string]int{"increment": 1, "decrement": -1} {
		action := wot.NewAction(nil, wot.Schema("integer"))
		minStep := 1.0
		action.URIVariables = map[string]*wot.DataSchema{
			"step": {DataSchemaCore: wot.DataSchemaCore{Type: "integer", Minimum: &minStep}},
		}
		if err := thing.AddAction(name, action, c.adder(delta)); err != nil {
			return nil, err
		}
	}
	if err := thing.AddAction("reset", wot.NewAction(nil, nil), c.reset); err != nil {
		return nil, err
	}
	if err := thing.AddEvent("change", wot.NewEvent(wot.Schema("integer"))); err != nil {
		return nil, err
	}

	if err := thing.Expose(ctx); err != nil {
		return nil, err
	}
	return thing, nil
}

type counter struct {
	mu    sync.Mutex
	thing *servient.ExposedThing
}

func (c *counter) adder(sign int) servient.ActionHandler {
	return func(ctx context.Context, _ any, opts servient.InteractionOptions) (any, error) {
		step, err := stepOf(opts)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		v, err := c.thing.ReadProperty(ctx, "count")
		if err != nil {
			return nil, err
		}
		next := toInt(v) + sign*step
		return next, c.set(ctx, next)
	}
}

func (c *counter) reset(ctx context.Context, _ any, _ servient.InteractionOptions) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return nil, c.set(ctx, 0)
}

func (c *counter) set(ctx context.Context, value int) error {
	if err := c.thing.WriteProperty(ctx, "count", value); err != nil {
		return err
	}
	if err := c.thing.WriteProperty(ctx, "lastChange", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return c.thing.EmitEvent("change", value)
}

// stepOf reads the step URI variable. Query strings deliver it as text.
func stepOf(opts servient.InteractionOptions) (int, error) {
	raw, ok := opts.URIVariables["step"]
	if !ok {
		return 1, nil
	}
	var step int
	switch v := raw.(type) {
	case int:
		step = v
	case float64:
		step = int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid step %q: %w", v, err)
		}
		step = n
	default:
		return 0, fmt.Errorf("invalid step %v", raw)
	}
	if step < 1 {
		return 0, fmt.Errorf("step must be positive, got %d", step)
	}
	return step, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
