package types

import (
	"github.com/juju/errors"
	"github.com/spf13/cast"
)

type PinType string

const (
	PinExec    PinType = "exec"
	PinString  PinType = "string"
	PinNumber  PinType = "number"
	PinBoolean PinType = "boolean"
	PinJSON    PinType = "json"
	PinAny     PinType = "any"
)

func (p PinType) Valid() bool {
	switch p {
	case PinExec, PinString, PinNumber, PinBoolean, PinJSON, PinAny:
		return true
	}
	return false
}

// Compatible reports whether an edge may connect a source pin of type
// `from` to a target pin of type `to`. Exec pins only ever connect to
// exec pins; `any` is compatible with every data type on either side;
// `json` accepts any data value.
func Compatible(from, to PinType) bool {
	if from == PinExec || to == PinExec {
		return from == PinExec && to == PinExec
	}
	if from == PinAny || to == PinAny {
		return true
	}
	if to == PinJSON || from == PinJSON {
		return true
	}
	return from == to
}

/**
 * CoerceValue narrows a value produced by an `any` (or `json`) pin to
 * the consuming pin's declared type. A value that cannot be coerced is
 * a data error, not an infrastructure one: retrying will not make the
 * value castable, so callers should treat the failure as non-retryable.
 */
func CoerceValue(v any, to PinType) (any, error) {
	switch to {
	case PinAny, PinJSON:
		return v, nil
	case PinString:
		s, err := cast.ToStringE(v)
		return s, errors.Trace(err)
	case PinNumber:
		f, err := cast.ToFloat64E(v)
		return f, errors.Trace(err)
	case PinBoolean:
		b, err := cast.ToBoolE(v)
		return b, errors.Trace(err)
	case PinExec:
		return nil, errors.BadRequestf("exec pins carry no value")
	}
	return nil, errors.NotSupportedf("pin type %q", to)
}
