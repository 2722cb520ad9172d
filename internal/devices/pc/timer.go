package pc

import (
	"sync"
	"time"
)

// TimerHandle cancels a periodic callback.
type TimerHandle interface {
	Stop()
}

type TimerHandleFunc func()

func (f TimerHandleFunc) Stop() {
	if f != nil {
		f()
	}
}

// TimerFactory starts cb every period on its own goroutine.
type TimerFactory func(period time.Duration, cb func()) TimerHandle

func tickerFactory(period time.Duration, cb func()) TimerHandle {
	if period <= 0 || cb == nil {
		return TimerHandleFunc(nil)
	}

	done := make(chan struct{})
	var once sync.Once

	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				cb()
			}
		}
	}()

	return TimerHandleFunc(func() { once.Do(func() { close(done) }) })
}
