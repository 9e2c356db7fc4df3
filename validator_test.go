package taskgraph

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

type greeter interface{ Greet() string }
type person struct{}

func (person) Greet() string { return "hi" }

func TestTypeValidator(t *testing.T) {
	t.Run("success case", func(t *testing.T) {
		v := TypeValidator(reflect.TypeOf(0))
		assert.NoError(t, v(42))

		iv := TypeValidator(reflect.TypeOf((*greeter)(nil)).Elem())
		assert.NoError(t, iv(person{}))
	})

	t.Run("error cases", func(t *testing.T) {
		v := TypeValidator(reflect.TypeOf(0))
		err := v("not an int")
		var target *MismatchChunkTypeError
		assert.ErrorAs(t, err, &target)

		assert.Error(t, v(nil))
	})
}

func TestBindingResolve(t *testing.T) {
	t.Run("value binding", func(t *testing.T) {
		b := Val(5)
		v, err := b.resolve()
		assert.NoError(t, err)
		assert.Equal(t, 5, v)
	})

	t.Run("thunk binding memoizes", func(t *testing.T) {
		calls := 0
		b := Thunk(func() (any, error) {
			calls++
			return calls, nil
		})
		v1, err := b.resolve()
		assert.NoError(t, err)
		v2, err := b.resolve()
		assert.NoError(t, err)
		assert.Equal(t, v1, v2)
		assert.Equal(t, 1, calls)
	})
}
