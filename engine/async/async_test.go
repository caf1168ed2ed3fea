package async

import (
	"sync"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/post"
)

func tickUntil(t *testing.T, done func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout")
		}
		post.Tick()
		time.Sleep(time.Millisecond)
	}
}

func TestAppendAsyncJob(t *testing.T) {
	var wait sync.WaitGroup
	wait.Add(1)
	var result interface{}
	called := false
	AppendAsyncJob("1", func() (res interface{}, err error) {
		wait.Done()
		return 1, nil
	}, func(res interface{}, err error) {
		result = res
		called = true
	})
	wait.Wait()
	tickUntil(t, func() bool { return called })
	assert.Equal(t, 1, result)
}

func TestJobsOfGroupRunInOrder(t *testing.T) {
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		AppendAsyncJob("ordered", func() (interface{}, error) {
			if i%3 == 0 {
				return nil, errors.Errorf("job %d failed", i)
			}
			return i, nil
		}, func(res interface{}, err error) {
			order = append(order, i)
		})
	}
	tickUntil(t, func() bool { return len(order) == 10 })
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestPanickingJobKeepsWorker(t *testing.T) {
	AppendAsyncJob("panics", func() (interface{}, error) {
		panic("job bug")
	}, nil)
	done := false
	AppendAsyncJob("panics", func() (interface{}, error) {
		return nil, nil
	}, func(res interface{}, err error) {
		done = true
	})
	tickUntil(t, func() bool { return done })
}
