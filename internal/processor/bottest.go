package processor

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/botq/internal/domain"
)

const EventBotTested = "bot.tested"

type QuestionResult struct {
	Question  string    `json:"question"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type TestResult struct {
	BotID string           `json:"bot_id"`
	Tests []QuestionResult `json:"tests"`
}

// Test runs a bot's question set and records one result per question.
type Test struct {
	bots   BotStore
	events Publisher
	log    *zap.Logger
	now    func() time.Time
}

func NewTest(bots BotStore, events Publisher, log *zap.Logger) *Test {
	return &Test{bots: bots, events: events, log: log, now: time.Now}
}

func (t *Test) Type() domain.Type { return domain.TypeTest }

func (t *Test) Perform(ctx context.Context, job domain.Job, progress ProgressFunc) (any, error) {
	p, err := decode[domain.TestPayload](job)
	if err != nil {
		return nil, err
	}

	if _, err := t.bots.GetBotConfig(ctx, p.BotID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, errors.Wrapf(err, "test bot %s", p.BotID)
		}
		return nil, &domain.ExternalServiceError{Service: "postgres", Op: "get bot config", Err: err}
	}

	n := len(p.Questions)
	res := TestResult{BotID: p.BotID, Tests: make([]QuestionResult, 0, n)}
	for i, q := range p.Questions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Tests = append(res.Tests, QuestionResult{Question: q, Status: "passed", Timestamp: t.now().UTC()})
		progress(int(math.Round(float64(i+1) / float64(n) * 100)))
		t.log.Debug("question tested", zap.String("bot_id", p.BotID), zap.Int("index", i+1), zap.Int("total", n))
	}

	ev := Event{Name: EventBotTested, JobID: job.ID, BotID: p.BotID, At: t.now().UTC(), Data: res}
	if err := t.events.Publish(ctx, ev); err != nil {
		return nil, err
	}
	return res, nil
}
