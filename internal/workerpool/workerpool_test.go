package workerpool_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tempo-kv/kvd/internal/workerpool"
)

func TestSubmitRunsAllWork(t *testing.T) {
	pool := workerpool.New(4)

	var count int64
	const n = 100
	for i := 0; i < n; i++ {
		pool.Submit(func() { atomic.AddInt64(&count, 1) })
	}

	pool.Close()
	assert.EqualValues(t, n, atomic.LoadInt64(&count))
}

func TestCloseWaitsForInFlightWork(t *testing.T) {
	pool := workerpool.New(2)
	var done int32

	pool.Submit(func() {
		time.Sleep(20 * time.Millisecond)
		atomic.StoreInt32(&done, 1)
	})

	pool.Close()
	assert.EqualValues(t, 1, atomic.LoadInt32(&done))
}
