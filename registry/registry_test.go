package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"crestroncip/codec"
	"crestroncip/registry"
)

func TestDispatchOrderAndDoubleSubscribe(t *testing.T) {
	r := registry.New()
	key := registry.Key{Type: codec.Digital, Join: 5}

	var order []int
	r.Subscribe(key, func(t codec.SignalType, id codec.JoinID, v registry.Value) {
		order = append(order, 1)
	})
	r.Subscribe(key, func(t codec.SignalType, id codec.JoinID, v registry.Value) {
		order = append(order, 2)
	})

	r.Dispatch(key, registry.Value{Bool: true})
	assert.Equal(t, []int{1, 2}, order)
}

func TestDispatchUnknownKeyIsNoop(t *testing.T) {
	r := registry.New()
	assert.NotPanics(t, func() {
		r.Dispatch(registry.Key{Type: codec.Analog, Join: 1}, registry.Value{U16: 42})
	})
}

func TestDispatchRecoversPanickingCallback(t *testing.T) {
	r := registry.New()
	key := registry.Key{Type: codec.Serial, Join: 1}

	var secondRan bool
	r.Subscribe(key, func(t codec.SignalType, id codec.JoinID, v registry.Value) {
		panic("boom")
	})
	r.Subscribe(key, func(t codec.SignalType, id codec.JoinID, v registry.Value) {
		secondRan = true
	})

	assert.NotPanics(t, func() {
		r.Dispatch(key, registry.Value{String: "x"})
	})
	assert.True(t, secondRan)
}

func TestKeysSortedDeterministically(t *testing.T) {
	r := registry.New()
	noop := func(codec.SignalType, codec.JoinID, registry.Value) {}
	r.Subscribe(registry.Key{Type: codec.Analog, Join: 3}, noop)
	r.Subscribe(registry.Key{Type: codec.Digital, Join: 9}, noop)
	r.Subscribe(registry.Key{Type: codec.Digital, Join: 1}, noop)

	keys := r.Keys()
	assert.Equal(t, []registry.Key{
		{Type: codec.Digital, Join: 1},
		{Type: codec.Digital, Join: 9},
		{Type: codec.Analog, Join: 3},
	}, keys)
}
