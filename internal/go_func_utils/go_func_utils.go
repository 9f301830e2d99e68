package go_func_utils

import (
	"log"
	"runtime/debug"
	"sync"
)

// SafeGo runs fn on a new goroutine. A panic is written to logger with its stack
// and then re-raised, so it is not lost when the dashboard owns the terminal.
func SafeGo(logger *log.Logger, fn func()) {
	go func() {
		defer logPanic(logger)
		fn()
	}()
}

// SafeGoWG is SafeGo tracked by wg. wg.Add is called before the goroutine starts.
func SafeGoWG(logger *log.Logger, wg *sync.WaitGroup, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer logPanic(logger)
		fn()
	}()
}

func logPanic(logger *log.Logger) {
	if r := recover(); r != nil {
		logger.Printf("PANIC: %v\n%s", r, debug.Stack())
		panic(r)
	}
}
