package go_func_utils

import (
	"bytes"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeGoWG(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)
	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0
	for i := 0; i < 8; i++ {
		SafeGoWG(logger, &wg, func() {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}
	wg.Wait()
	assert.Equal(t, 8, count)
}

func TestLogPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)

	assert.PanicsWithValue(t, "boom", func() {
		defer logPanic(logger)
		panic("boom")
	})
	assert.Contains(t, buf.String(), "PANIC: boom")
}

func TestSafeGo(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)
	done := make(chan struct{})
	SafeGo(logger, func() { close(done) })
	<-done
}
