package consumer

import (
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// Defaults
const (
	DefaultBatchSize    = 500
	DefaultBatchWait    = time.Second
	DefaultRetryBackoff = 2 * time.Second
)

// Handler implements sarama.ConsumerGroupHandler with batched, commit after
// persist semantics.
type Handler struct {
	proc         *Processor
	batchSize    int
	batchWait    time.Duration
	retryBackoff time.Duration
	logger       *slog.Logger
}

// NewHandler creates a handler that feeds batches to proc.
func NewHandler(proc *Processor) *Handler {
	return &Handler{
		proc:         proc,
		batchSize:    DefaultBatchSize,
		batchWait:    DefaultBatchWait,
		retryBackoff: DefaultRetryBackoff,
		logger:       slog.Default().With("component", "consumer.handler"),
	}
}

// WithBatchSize sets the maximum number of messages per batch.
func (h *Handler) WithBatchSize(n int) *Handler {
	if n > 0 {
		h.batchSize = n
	}
	return h
}

// WithBatchWait sets how long a partial batch may wait for more messages.
func (h *Handler) WithBatchWait(d time.Duration) *Handler {
	if d > 0 {
		h.batchWait = d
	}
	return h
}

// WithRetryBackoff sets the pause after a persistence failure before the
// session is given up and the batch redelivered.
func (h *Handler) WithRetryBackoff(d time.Duration) *Handler {
	if d >= 0 {
		h.retryBackoff = d
	}
	return h
}

// WithLogger sets the logger
func (h *Handler) WithLogger(l *slog.Logger) *Handler {
	if l != nil {
		h.logger = l
	}
	return h
}

// Setup is called at the beginning of a new session.
func (h *Handler) Setup(session sarama.ConsumerGroupSession) error {
	h.logger.Info("consumer session started",
		"member_id", session.MemberID(),
		"generation", session.GenerationID(),
		"claims", session.Claims())
	return nil
}

// Cleanup is called at the end of a session.
func (h *Handler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.logger.Info("consumer session ended", "member_id", session.MemberID(), "generation", session.GenerationID())
	return nil
}

// ConsumeClaim batches the messages of one partition. It returns nil when
// the claim ends and an error when a batch could not be persisted.
func (h *Handler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	batch := make([]*sarama.ConsumerMessage, 0, h.batchSize)

	timer := time.NewTimer(h.batchWait)
	timer.Stop()
	defer timer.Stop()
	var waitC <-chan time.Time

	flush := func() error {
		waitC = nil
		timer.Stop()
		if len(batch) == 0 {
			return nil
		}
		err := h.flush(session, claim, batch)
		batch = batch[:0]
		return err
	}

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				h.logger.Info("claim revoked, abandoning uncommitted batch",
					"topic", claim.Topic(), "partition", claim.Partition(), "count", len(batch))
			}
			return nil

		case msg, ok := <-claim.Messages():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return flush()
			}
			batch = append(batch, msg)
			if len(batch) == 1 {
				timer.Reset(h.batchWait)
				waitC = timer.C
			}
			if len(batch) >= h.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}

		case <-waitC:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

func (h *Handler) flush(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim, batch []*sarama.ConsumerMessage) error {
	ctx := session.Context()
	last := batch[len(batch)-1]
	logger := h.logger.With("topic", claim.Topic(), "partition", claim.Partition())

	res, err := h.proc.Process(ctx, batch)
	if err != nil {
		logger.Error("persistence failed, offsets not committed, batch will be redelivered",
			"error", err, "count", len(batch), "first_offset", batch[0].Offset, "last_offset", last.Offset)

		select {
		case <-ctx.Done():
		case <-time.After(h.retryBackoff):
		}
		return err
	}

	if ctx.Err() != nil {
		logger.Info("claim revoked before commit", "last_offset", last.Offset)
		return nil
	}

	session.MarkMessage(last, "")
	session.Commit()

	logger.Debug("batch committed",
		"messages", res.Messages,
		"valid", res.Valid,
		"malformed", res.Malformed,
		"invalid", res.Invalid,
		"inserted", res.Inserted,
		"duplicates", res.Duplicates(),
		"offset", last.Offset)
	return nil
}

var _ sarama.ConsumerGroupHandler = (*Handler)(nil)
