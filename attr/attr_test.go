package attr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delaneyj/trellis/attr"
	"github.com/delaneyj/trellis/engine"
)

func rectangleBlueprint() *attr.Blueprint {
	bp := attr.NewBlueprint("Rectangle", nil)
	bp.Attr("width", 2.0)
	bp.Attr("height", 3.0)
	bp.Compute("area", func(inst *attr.Instance) (any, error) {
		return inst.Get("width").(float64) * inst.Get("height").(float64), nil
	})
	return bp
}

func TestComputeAttributeDerivesFromSiblingAttrAttributes(t *testing.T) {
	e := engine.NewEngine(engine.Options{})
	inst := attr.New(e, rectangleBlueprint(), nil)

	assert.InDelta(t, 6.0, inst.Get("area").(float64), 1e-9)

	require.NoError(t, inst.Set("width", 5.0))
	assert.InDelta(t, 15.0, inst.Get("area").(float64), 1e-9)
}

func TestConstructorPresetFreezesAttributeAsConstant(t *testing.T) {
	e := engine.NewEngine(engine.Options{})
	inst := attr.New(e, rectangleBlueprint(), map[string]any{"width": 10.0})

	assert.Equal(t, engine.KindConstant, inst.Cell("width").Kind())
	assert.InDelta(t, 30.0, inst.Get("area").(float64), 1e-9)
	assert.Error(t, inst.Set("width", 1.0), "a frozen Constant must reject writes")
}

func TestMaintainAttributeAcceptsOverrideLikeEngineMaintainCell(t *testing.T) {
	bp := attr.NewBlueprint("Thermostat", nil)
	bp.Attr("celsius", 20.0)
	bp.Maintain("fahrenheit", func(inst *attr.Instance) (any, error) {
		c, _ := inst.Get("celsius").(float64)
		return c*9/5 + 32, nil
	})

	e := engine.NewEngine(engine.Options{})
	inst := attr.New(e, bp, nil)

	assert.InDelta(t, 68.0, inst.Get("fahrenheit").(float64), 1e-9)
	require.NoError(t, inst.Set("fahrenheit", 0.0))
	assert.InDelta(t, 0.0, inst.Get("fahrenheit").(float64), 1e-9)
}

func TestPerformAttributeRunsEagerlyAsAnObserver(t *testing.T) {
	bp := attr.NewBlueprint("Logger", nil)
	runs := 0
	bp.Attr("value", 1)
	bp.Perform("log", func(inst *attr.Instance) (any, error) {
		runs++
		_ = inst.Get("value")
		return nil, nil
	})

	e := engine.NewEngine(engine.Options{})
	inst := attr.New(e, bp, nil)
	assert.Equal(t, 1, runs)

	require.NoError(t, inst.Set("value", 2))
	assert.Equal(t, 2, runs)
}

func TestSubclassBlueprintOverridesByNameAndSuperReachesParentRule(t *testing.T) {
	parent := attr.NewBlueprint("Shape", nil)
	parent.Attr("sides", 0)
	parent.Compute("description", func(inst *attr.Instance) (any, error) {
		return "a shape", nil
	})

	child := attr.NewBlueprint("Square", parent)
	child.Compute("description", func(inst *attr.Instance) (any, error) {
		base := child.Super("description")
		parentDesc, err := base(inst)
		if err != nil {
			return nil, err
		}
		return parentDesc.(string) + ", specifically a square", nil
	})

	e := engine.NewEngine(engine.Options{})
	inst := attr.New(e, child, nil)
	assert.Equal(t, "a shape, specifically a square", inst.Get("description"))
}

func TestOptionalAttributeActivatesOnlyOnFirstRead(t *testing.T) {
	bp := attr.NewBlueprint("Lazy", nil)
	activations := 0
	bp.Attr("n", 41)
	bp.Compute("plusOne", func(inst *attr.Instance) (any, error) {
		activations++
		return inst.Get("n").(int) + 1, nil
	})

	e := engine.NewEngine(engine.Options{})
	inst := attr.New(e, bp, nil)
	assert.Equal(t, 0, activations, "compute declarations are optional: no rule runs before first read")

	assert.Equal(t, 42, inst.Get("plusOne"))
	assert.Equal(t, 1, activations)
}

func TestTodoFutureAccumulatesWithinOneModifierAndRejectsOutsideOne(t *testing.T) {
	bp := attr.NewBlueprint("Basket", nil)
	bp.Todo("items", []string{}, func(inst *attr.Instance) (any, error) {
		return []string{}, nil
	})

	e := engine.NewEngine(engine.Options{})
	inst := attr.New(e, bp, nil)

	_, err := inst.Future("items")
	var invalid *engine.InvalidOperation
	assert.ErrorAs(t, err, &invalid, "future is only readable inside a modifier")

	add := e.Modifier(func() error {
		v, err := inst.Future("items")
		if err != nil {
			return err
		}
		cur := v.([]string)
		return inst.SetFuture("items", append(append([]string{}, cur...), "apple"))
	})
	require.NoError(t, add())

	require.NoError(t, e.Modifier(func() error {
		v, err := inst.Future("items")
		if err != nil {
			return err
		}
		cur := v.([]string)
		return inst.SetFuture("items", append(append([]string{}, cur...), "banana"))
	})())

	assert.Equal(t, []string{"banana"}, inst.Get("items"), "items is discrete: each modifier call is its own sweep, so the second call starts from a fresh default")
}
