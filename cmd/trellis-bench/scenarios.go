package main

import (
	"fmt"
	"strings"

	"github.com/delaneyj/trellis/engine"
)

// scenario is one of the six canonical situations spec.md §8 uses to state
// the engine's testable properties. Each builds its own Engine, runs a
// scripted sequence of writes against it, and returns a short trace of the
// values it read back — the same shape `run` prints and `bench` times.
type scenario struct {
	name string
	run  func() ([]string, error)
}

var scenarios = []scenario{
	{"temperature-converter", temperatureConverterScenario},
	{"pentagram", pentagramScenario},
	{"line-receiver", lineReceiverScenario},
	{"new-high", newHighScenario},
	{"conflict", conflictScenario},
	{"noise-filter", noiseFilterScenario},
}

func findScenario(name string) (scenario, bool) {
	for _, s := range scenarios {
		if s.name == name {
			return s, true
		}
	}
	return scenario{}, false
}

func temperatureConverterScenario() ([]string, error) {
	e := engine.NewEngine(engine.Options{})
	fahrenheit, celsius := engine.NewMaintainPair(
		e,
		"fahrenheit", 32.0, func(c engine.Cell[float64]) (float64, error) {
			return c.Get()*9/5 + 32, nil
		},
		"celsius", 0.0, func(f engine.Cell[float64]) (float64, error) {
			return (f.Get() - 32) * 5 / 9, nil
		},
	)

	var trace []string
	engine.NewObserver(e, "sink", func() error {
		trace = append(trace, fmt.Sprintf("celsius=%.1f fahrenheit=%.1f", celsius.Get(), fahrenheit.Get()))
		return nil
	})

	if err := celsius.Set(0); err != nil {
		return trace, err
	}
	if err := fahrenheit.Set(32); err != nil {
		return trace, err
	}
	if err := celsius.Set(100); err != nil {
		return trace, err
	}
	return trace, nil
}

func pentagramScenario() ([]string, error) {
	e := engine.NewEngine(engine.Options{})
	a := engine.NewValue(e, "a", 1)
	mk := func(name string, deps ...engine.Cell[int]) engine.Cell[int] {
		return engine.NewComputed(e, name, func() (int, error) {
			sum := 0
			for _, d := range deps {
				sum += d.Get()
			}
			return sum, nil
		})
	}
	b := mk("b", a)
	c := mk("c", a)
	d := mk("d", b, c)
	eCell := mk("e", b, c)
	h := mk("h", d, eCell)

	var runs int
	engine.NewObserver(e, "sink", func() error {
		runs++
		_ = h.Get()
		return nil
	})

	if err := a.Set(2); err != nil {
		return nil, err
	}
	return []string{fmt.Sprintf("h=%d observer_runs=%d", h.Get(), runs)}, nil
}

func lineReceiverScenario() ([]string, error) {
	e := engine.NewEngine(engine.Options{})
	bytes := engine.NewValue(e, "bytes", "")
	var seen []string

	line := engine.NewDiscreteRule(e, "line", "", func() (string, error) {
		buf := bytes.Get()
		idx := strings.IndexByte(buf, '\n')
		if idx < 0 {
			return "", nil
		}
		head, rest := buf[:idx], buf[idx+1:]
		if err := bytes.Set(rest); err != nil {
			return "", err
		}
		if rest != "" {
			if err := e.Repeat(); err != nil {
				return "", err
			}
		}
		return head, nil
	})

	engine.NewObserver(e, "sink", func() error {
		if l := line.Get(); l != "" {
			seen = append(seen, l)
		}
		return nil
	})

	if err := bytes.Set("alpha\nbeta\ngamma\n"); err != nil {
		return nil, err
	}
	return seen, nil
}

func newHighScenario() ([]string, error) {
	e := engine.NewEngine(engine.Options{})
	reading := engine.NewValue(e, "reading", 0.0)
	runningMax := 0.0
	highest := engine.NewComputed(e, "highest", func() (float64, error) {
		if v := reading.Get(); v > runningMax {
			runningMax = v
		}
		return runningMax, nil
	})

	var trace []string
	for _, v := range []float64{3, 1, 7, 2, 9, 4} {
		if err := reading.Set(v); err != nil {
			return trace, err
		}
		trace = append(trace, fmt.Sprintf("reading=%.0f highest=%.0f", v, highest.Get()))
	}
	return trace, nil
}

func conflictScenario() ([]string, error) {
	e := engine.NewEngine(engine.Options{})
	v := engine.NewValue(e, "v", 0)
	err := e.Atomically(func() error {
		if err := v.Set(1); err != nil {
			return err
		}
		return v.Set(2)
	})
	if err == nil {
		return []string{"no conflict detected (unexpected)"}, nil
	}
	return []string{"conflict: " + err.Error()}, nil
}

func noiseFilterScenario() ([]string, error) {
	e := engine.NewEngine(engine.Options{})
	raw := engine.NewValue(e, "raw", 0.0)
	filtered := engine.NewComputed(e, "filtered", func() (float64, error) {
		prev := engine.Self[float64](e).Get()
		v := raw.Get()
		if v == 0 {
			return prev, nil
		}
		return v, nil
	})

	var trace []string
	for _, v := range []float64{5, 0, 0, 8} {
		if err := raw.Set(v); err != nil {
			return trace, err
		}
		trace = append(trace, fmt.Sprintf("raw=%.0f filtered=%.0f", v, filtered.Get()))
	}
	return trace, nil
}
