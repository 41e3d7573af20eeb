package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jpillora/backoff"
	"maunium.net/go/mautrix"
)

var ErrCorruptReplay = errors.New("corrupt replay")

// SyncSource yields sync batches. io.EOF ends the stream.
type SyncSource interface {
	Next(ctx context.Context) (*mautrix.RespSync, error)
}

// Run feeds batches from src into the store until src is exhausted or ctx
// is done. Source errors are retried with backoff.
func (m *Matrix) Run(ctx context.Context, src SyncSource) error {
	b := &backoff.Backoff{
		Min:    m.v.GetDuration("sync.minbackoff"),
		Max:    m.v.GetDuration("sync.maxbackoff"),
		Jitter: true,
	}

	var since string

	for {
		resp, err := src.Next(ctx)

		switch {
		case errors.Is(err, io.EOF):
			logger.Debug("sync source exhausted")
			return nil
		case errors.Is(err, ErrCorruptReplay):
			return err
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}

			d := b.Duration()
			logger.Errorf("sync failed: %s, retrying in %s", err, d)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}

			continue
		}

		b.Reset()

		if err := m.syncer.ProcessResponse(ctx, resp, since); err != nil {
			logger.Errorf("processing sync %s failed: %s", resp.NextBatch, err)
		}

		since = resp.NextBatch
	}
}

type replaySource struct {
	dec  *json.Decoder
	line int
}

// NewReplaySource reads a stream of concatenated sync responses, as
// produced by dumping /sync replies one per line.
func NewReplaySource(r io.Reader) SyncSource {
	return &replaySource{dec: json.NewDecoder(r)}
}

func (s *replaySource) Next(ctx context.Context) (*mautrix.RespSync, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var resp mautrix.RespSync

	if err := s.dec.Decode(&resp); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}

		return nil, fmt.Errorf("%w: batch %d: %s", ErrCorruptReplay, s.line+1, err)
	}

	s.line++

	return &resp, nil
}
