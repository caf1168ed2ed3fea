package post

import (
	"testing"

	"github.com/bmizerany/assert"
)

func TestPost(t *testing.T) {
	var a int
	Post(func() {
		a = 1
	})
	assert.Equal(t, 1, Pending())
	Tick()
	assert.Equal(t, 1, a)
	assert.Equal(t, 0, Pending())
}

func TestPostFromCallback(t *testing.T) {
	var order []int
	Post(func() {
		order = append(order, 1)
		Post(func() {
			order = append(order, 3)
		})
	})
	Post(func() {
		panic("callback bug")
	})
	Post(func() {
		order = append(order, 2)
	})
	Tick()
	assert.Equal(t, []int{1, 2, 3}, order)
}
