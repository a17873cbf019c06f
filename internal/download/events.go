package download

import "time"

// Event is emitted on the channel returned by Downloader.Download. The
// last event is always a Success or a Failure.
type Event interface {
	event()
}

// Progress reports bytes safely on disk
type Progress struct {
	Downloaded int64
	// Total is -1 while the size is unknown
	Total int64
}

// Percentage returns completion in the range [0, 100], or 0 when the total
// is unknown
func (p Progress) Percentage() float64 {
	if p.Total <= 0 {
		return 0
	}
	pct := float64(p.Downloaded) * 100 / float64(p.Total)
	if pct > 100 {
		return 100
	}
	return pct
}

// Retrying announces a backoff before the next attempt
type Retrying struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

// Success is the terminal event of a completed download
type Success struct {
	LocalPath string
	Size      int64
	Retries   int
}

// Failure is the terminal event of a download that gave up or was cancelled
type Failure struct {
	Err     error
	Retries int
}

func (Progress) event() {}
func (Retrying) event() {}
func (Success) event()  {}
func (Failure) event()  {}
