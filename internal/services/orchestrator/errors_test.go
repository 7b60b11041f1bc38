package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/amerfu/genmediator/internal/services/budget"
	"github.com/amerfu/genmediator/internal/services/providers"
	"github.com/amerfu/genmediator/internal/services/ratelimit"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"missing key", fmt.Errorf("gemini: %w", providers.ErrNotConfigured), KindConfiguration},
		{"invalid key message", errors.New("Error 400: API key not valid"), KindConfiguration},
		{"quota", errors.New("Error 429: RESOURCE_EXHAUSTED"), KindQuotaExceeded},
		{"rate", errors.New("status code: 429, Too Many Requests"), KindRateExceeded},
		{"safety", errors.New("candidate blocked for SAFETY"), KindContentPolicy},
		{"blocked sentinel", fmt.Errorf("%w: prompt", providers.ErrContentBlocked), KindContentPolicy},
		{"empty", providers.ErrEmptyResponse, KindEmptyResponse},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout},
		{"acquire timeout", fmt.Errorf("%w: %w", ratelimit.ErrAcquireTimeout, context.Canceled), KindTimeout},
		{"limiter destroyed", ratelimit.ErrLimiterClosed, KindUnknown},
		{"limiter reset", fmt.Errorf("acquire: %w", ratelimit.ErrLimiterReset), KindUnknown},
		{"forbidden status", errors.New("googleapi: Error 403: forbidden"), KindConfiguration},
		{"unauthorized status", errors.New("error, status code: 401, status: 401 Unauthorized"), KindConfiguration},
		{"digits in a size are not a status", errors.New("upload of 4031 bytes failed for request 1403"), KindUnknown},
		{"rate status code", errors.New("status code: 429"), KindRateExceeded},
		{"budget", budget.ErrBudgetExceeded, KindBudgetExceeded},
		{"other", errors.New("something odd"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			assert.Equal(t, tt.want, got.Kind)
			assert.ErrorIs(t, got, tt.err)
			assert.NotEmpty(t, got.Message)
		})
	}

	assert.Nil(t, Classify(nil))
}

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newError(KindQuotaExceeded, errors.New("429")))

	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.NotErrorIs(t, err, ErrRateExceeded)

	// Already classified errors pass through unchanged.
	var oe *Error
	assert.ErrorAs(t, err, &oe)
	assert.Same(t, oe, Classify(err))
	assert.Contains(t, oe.Error(), "429")
}
