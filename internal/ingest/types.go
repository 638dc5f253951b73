package ingest

import (
	"fmt"
	"net/http"
	"time"
)

// DateLayout is the day granularity used by search queries and logs.
const DateLayout = "2006-01-02"

// Partition is one independent date window of ingestion work.
type Partition struct {
	Index     int
	Keyword   string
	Subreddit string
	// Start is inclusive, End exclusive.
	Start time.Time
	End   time.Time
	// Reset drops and rebuilds the schema before the run. Destructive.
	Reset bool
}

// String renders the partition range for logs.
func (p Partition) String() string {
	return fmt.Sprintf("%s..%s", p.Start.Format(DateLayout), p.End.Format(DateLayout))
}

// Outcome summarizes a completed partition run. Counts are for observability.
type Outcome struct {
	RunID           string        `json:"run_id"`
	FeedItems       int           `json:"feed_items"`
	FeedDuplicates  int           `json:"feed_duplicates"`
	FeedMalformed   int           `json:"feed_malformed"`
	Discovered      int           `json:"discovered"`
	DiscoveryPages  int           `json:"discovery_pages"`
	DiscoveryCapped bool          `json:"discovery_capped"`
	References      int           `json:"references"`
	Resumed         int           `json:"resumed"`
	Items           int           `json:"items"`
	Replies         int           `json:"replies"`
	ExtractFailures int           `json:"extract_failures"`
	Duration        time.Duration `json:"duration"`
}

// FetchRequest captures everything needed to GET a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
