package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"tickmatch/internal/match"
)

// ProposalPublisher publishes settlement proposals to NATS for the
// settlement relayer. The core's sends into the proposal channel are
// blocking, so a proposal is received here exactly once per emission.
// Subjects follow the pattern: match.proposals.{pair_id}
type ProposalPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan match.Proposal
	log       zerolog.Logger
}

func NewProposalPublisher(js jetstream.JetStream, inputChan <-chan match.Proposal, log zerolog.Logger) *ProposalPublisher {
	return &ProposalPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log,
	}
}

// Run starts the publisher loop.
func (pp *ProposalPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case proposal, ok := <-pp.inputChan:
			if !ok {
				return nil
			}

			if err := pp.publish(ctx, proposal); err != nil {
				// Non-fatal: an unpublished proposal expires in the core
				// once its ack deadline passes and is re-proposed on a
				// later tick while its retry budget lasts.
				pp.log.Warn().
					Err(err).
					Str("proposal_id", proposal.ProposalID.String()).
					Msg("proposal publish failed")
			}
		}
	}
}

func (pp *ProposalPublisher) publish(ctx context.Context, proposal match.Proposal) error {
	data, err := json.Marshal(proposal)
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}

	subject := fmt.Sprintf("match.proposals.%d", proposal.PairID)
	_, err = pp.js.Publish(ctx, subject, data)
	return err
}

// EnsureProposalStream creates the outbound proposal stream.
func EnsureProposalStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "MATCH_PROPOSALS",
		Subjects:  []string{"match.proposals.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create proposal stream: %w", err)
	}
	log.Info().Str("stream", "MATCH_PROPOSALS").Msg("stream ensured")
	return nil
}
