package gotransfer

import (
	"sync"
	"time"
)

// startKeepAlive calls s.KeepAlive every interval until the returned stop
// function is called. stop waits for the goroutine to exit and is safe to
// call more than once.
func startKeepAlive(s *Session, interval time.Duration, logger Logger) (stop func()) {
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.KeepAlive(); err != nil {
					logger.Debugf("%s keepalive failed: %v", s, err)
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
