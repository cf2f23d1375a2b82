package engine

import "time"

// Request scopes one aggregation invocation. An empty Lines slice means
// every active line; zero From/To means the full ledger history.
type Request struct {
	Lines []string
	From  time.Time
	To    time.Time
}

// Summary reports what a run did. A run always produces a summary, even
// when some lines or chunks failed.
type Summary struct {
	StartedAt      time.Time
	Elapsed        time.Duration
	LinesTotal     int
	LinesProcessed int
	LinesFailed    int
	ChunksTotal    int64
	ChunksFailed   int64
	RowsCreated    int64
	Errors         int64
	LineErrors     map[string]error
}

// lineResult is the per-line outcome folded into a Summary.
type lineResult struct {
	line         string
	processed    bool
	fatal        error
	chunksTotal  int64
	chunksFailed int64
	rowsCreated  int64
	errors       int64
}

// Merge folds one line's result into the summary.
func (s *Summary) Merge(res lineResult) {
	s.ChunksTotal += res.chunksTotal
	s.ChunksFailed += res.chunksFailed
	s.RowsCreated += res.rowsCreated
	s.Errors += res.errors
	if res.fatal != nil {
		s.LinesFailed++
		if s.LineErrors == nil {
			s.LineErrors = make(map[string]error)
		}
		s.LineErrors[res.line] = res.fatal
		if res.chunksTotal == 0 && res.chunksFailed == 0 {
			// Failed before any chunk ran; still counts as an error.
			s.Errors++
		}
		return
	}
	if res.processed {
		s.LinesProcessed++
	}
}

// Finish stamps the elapsed time.
func (s *Summary) Finish(start time.Time) {
	s.Elapsed = time.Since(start).Round(time.Millisecond)
}

// LinePlan describes the work one line would entail.
type LinePlan struct {
	Line       string
	EventCount int64
	Dates      int
	ChunkSize  int
	Chunks     int
}

// Plan is the dry-run projection of a Request: what Run would do without
// writing anything.
type Plan struct {
	Lines []LinePlan
}
