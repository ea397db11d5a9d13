package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPinCompatible(t *testing.T) {
	// exec never mixes with data
	assert.True(t, Compatible(PinExec, PinExec))
	assert.False(t, Compatible(PinExec, PinString))
	assert.False(t, Compatible(PinAny, PinExec))

	assert.True(t, Compatible(PinString, PinString))
	assert.True(t, Compatible(PinNumber, PinNumber))
	assert.False(t, Compatible(PinString, PinNumber))
	assert.False(t, Compatible(PinBoolean, PinNumber))

	// any and json bridge everything on the data side
	assert.True(t, Compatible(PinAny, PinString))
	assert.True(t, Compatible(PinNumber, PinAny))
	assert.True(t, Compatible(PinJSON, PinBoolean))
	assert.True(t, Compatible(PinString, PinJSON))
}

func TestPinTypeValid(t *testing.T) {
	assert.True(t, PinExec.Valid())
	assert.True(t, PinAny.Valid())
	assert.False(t, PinType("integer").Valid())
	assert.False(t, PinType("").Valid())
}

func TestCoerceValue(t *testing.T) {
	v, err := CoerceValue("42", PinNumber)
	assert.Nil(t, err)
	assert.Equal(t, float64(42), v)

	v, err = CoerceValue(7.5, PinString)
	assert.Nil(t, err)
	assert.Equal(t, "7.5", v)

	v, err = CoerceValue("true", PinBoolean)
	assert.Nil(t, err)
	assert.Equal(t, true, v)

	// any and json pass values through untouched
	raw := map[string]any{"k": "v"}
	v, err = CoerceValue(raw, PinAny)
	assert.Nil(t, err)
	assert.Equal(t, raw, v)
	v, err = CoerceValue(raw, PinJSON)
	assert.Nil(t, err)
	assert.Equal(t, raw, v)
}

func TestCoerceValueFails(t *testing.T) {
	_, err := CoerceValue(map[string]any{"k": "v"}, PinNumber)
	assert.NotNil(t, err)

	_, err = CoerceValue("not a bool", PinBoolean)
	assert.NotNil(t, err)

	_, err = CoerceValue("anything", PinExec)
	assert.NotNil(t, err)
}
