// Copyright (C) 2024 The s3nbd authors

package s3

// iopool bounds the number of in-flight s3 transfers and prioritizes
// them. Uploads and downloads get their own worker sets so a burst of
// one direction cannot starve the other. Downloads additionally come in
// two lanes: the device request path uses the priority lane, cache
// warm-up uses the idle lane and only runs when no request is waiting.
type iopool struct {
	uploads       chan request
	downloads     chan request
	downloadsIdle chan request
}

// Request is the internal structure wrapping one transfer into the
// channel communication.
type request struct {
	run  func() error
	done chan error
}

// Returns a pool which can be directly used. It immediately spawns the
// worker goroutines; they live for the lifetime of the process.
func newIOPool(uploaders, downloaders int) *iopool {
	p := &iopool{
		uploads:       make(chan request),
		downloads:     make(chan request),
		downloadsIdle: make(chan request),
	}

	for i := 0; i < uploaders; i++ {
		go p.uploadWorker()
	}
	for i := 0; i < downloaders; i++ {
		go p.downloadWorker()
	}

	return p
}

func (p *iopool) upload(fn func() error) error {
	done := make(chan error)
	p.uploads <- request{run: fn, done: done}
	return <-done
}

func (p *iopool) download(fn func() error) error {
	done := make(chan error)
	p.downloads <- request{run: fn, done: done}
	return <-done
}

func (p *iopool) downloadIdle(fn func() error) error {
	done := make(chan error)
	p.downloadsIdle <- request{run: fn, done: done}
	return <-done
}

// Generic prioritization used by the download workers: drain the
// priority lane first, fall back to either lane only when it is empty.
func receiveRequest(prio, idle chan request) request {
	select {
	case r := <-prio:
		return r
	default:
		select {
		case r := <-prio:
			return r
		case r := <-idle:
			return r
		}
	}
}

func (p *iopool) uploadWorker() {
	for r := range p.uploads {
		r.done <- r.run()
	}
}

func (p *iopool) downloadWorker() {
	for {
		r := receiveRequest(p.downloads, p.downloadsIdle)
		r.done <- r.run()
	}
}
