package dispatcher

import (
	"errors"
	"time"

	"github.com/JakeFAU/sentiment-ingest/internal/ingest"
)

var (
	// ErrInvalidWindow is returned for a non-positive window.
	ErrInvalidWindow = errors.New("window must be positive")
	// ErrInvalidRange is returned when end does not follow start.
	ErrInvalidRange = errors.New("end must be after start")
)

// Plan splits [start, end) into contiguous half-open windows of the given
// length. The last window is clipped to end. Partitions are indexed from 0.
func Plan(start, end time.Time, window time.Duration) ([]ingest.Partition, error) {
	if window <= 0 {
		return nil, ErrInvalidWindow
	}
	if !end.After(start) {
		return nil, ErrInvalidRange
	}
	var parts []ingest.Partition
	for cur := start; cur.Before(end); cur = cur.Add(window) {
		next := cur.Add(window)
		if next.After(end) {
			next = end
		}
		parts = append(parts, ingest.Partition{
			Index: len(parts),
			Start: cur,
			End:   next,
		})
	}
	return parts, nil
}
