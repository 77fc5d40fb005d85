package util_test

import (
	"testing"

	"github.com/hetianyi/gomft/util"
	"github.com/stretchr/testify/assert"
)

func TestShutdownHooksRunInReverseOrder(t *testing.T) {
	var order []int
	util.RegisterShutdownHook(func() { order = append(order, 1) })
	util.RegisterShutdownHook(func() { order = append(order, 2) })
	util.RunShutdownHooks()
	assert.Equal(t, []int{2, 1}, order)

	// hooks run once
	util.RunShutdownHooks()
	assert.Equal(t, []int{2, 1}, order)
}
