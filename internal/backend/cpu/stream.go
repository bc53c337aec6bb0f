package cpu

import "sync"

// stream executes device work in submission order on one goroutine.
// A task's error is kept until the next wait, the way a GPU runtime reports
// asynchronous faults at the next synchronization point.
type stream struct {
	tasks chan func() error
	wg    sync.WaitGroup

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

func newStream() *stream {
	s := &stream{tasks: make(chan func() error, 64)}
	go s.loop()
	return s
}

func (s *stream) loop() {
	for task := range s.tasks {
		if err := task(); err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
		}
		s.wg.Done()
	}
}

func (s *stream) enqueue(task func() error) {
	s.wg.Add(1)
	s.tasks <- task
}

// drain blocks until queued work finishes without consuming its error.
func (s *stream) drain() {
	s.wg.Wait()
}

// wait blocks until queued work finishes and returns, then clears, the first error.
func (s *stream) wait() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.err
	s.err = nil
	return err
}

func (s *stream) close() {
	s.closeOnce.Do(func() {
		s.wg.Wait()
		close(s.tasks)
	})
}
