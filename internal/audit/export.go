package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blackroad/meshgate/internal/signal"
)

func writeJSONL(w io.Writer, records []Record) error {
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

var csvHeader = []string{"id", "at", "actor", "action", "resource", "outcome", "request_id"}

func writeCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{r.ID, r.At.Format(time.RFC3339Nano), r.Actor, r.Action, r.Resource, r.Outcome, r.RequestID}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// FromSignal derives the indexed tuple from a signal. The action is the
// signal type; the outcome follows the type's terminal sense.
func FromSignal(s signal.Signal) Record {
	outcome := OutcomeSuccess
	switch {
	case strings.HasSuffix(string(s.Type), ".failed"),
		strings.HasSuffix(string(s.Type), ".rejected"),
		strings.HasSuffix(string(s.Type), ".error"),
		strings.HasSuffix(string(s.Type), ".unavailable"):
		outcome = OutcomeFailure
	case s.Type == signal.RateLimited, s.Type == signal.QueueFull:
		outcome = OutcomeDenied
	}
	return Record{
		At:       s.Time(),
		Actor:    s.Source,
		Action:   string(s.Type),
		Resource: s.Target,
		Outcome:  outcome,
		Signal:   s,
	}
}

// Recorder turns signals into audit records on a backend. Signal is meant to
// run as a bus tap so every publish is appended before Publish returns.
type Recorder struct {
	backend Backend
	logger  *zap.Logger
}

// NewRecorder creates a recorder writing to b.
func NewRecorder(b Backend, logger *zap.Logger) *Recorder {
	return &Recorder{backend: b, logger: logger}
}

// Signal appends the audit record derived from a bus signal. Append failures
// are logged and skipped; the trail is best effort under backend outage while
// the bus keeps flowing.
func (r *Recorder) Signal(s signal.Signal) {
	r.Write(context.Background(), FromSignal(s))
}

// Write appends a hand-built record, for callers auditing actions that have
// no bus signal (admin API calls, exports, purges).
func (r *Recorder) Write(ctx context.Context, rec Record) {
	if err := r.backend.Append(ctx, rec); err != nil {
		r.logger.Warn("audit append failed",
			zap.String("action", rec.Action),
			zap.Error(err),
		)
	}
}
