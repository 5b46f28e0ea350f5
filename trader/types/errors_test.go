package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlacementMayExist(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", fmt.Errorf("place: %w", context.DeadlineExceeded), true},
		{"retries exhausted on timeout", fmt.Errorf("%w: %w", ErrRetriesExhausted, context.DeadlineExceeded), true},
		{"duplicate client id", &APIError{Status: 400, Code: CodeDuplicateClientID}, true},
		{"server error", &APIError{Status: 503, Code: -1000}, true},
		{"margin rejection", &APIError{Status: 400, Code: -2019}, false},
		{"local validation", &ValidationError{Op: "place order", Reason: "zero quantity"}, false},
		{"rate limited", &RateLimitError{Message: "slow down"}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, PlacementMayExist(tc.err))
		})
	}
}
