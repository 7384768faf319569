package errors_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/tradeguard/pkg/errors"
)

func TestIsMatchesByKind(t *testing.T) {
	err := errors.RequirementNotMet.Explain("both holds must be verified")
	wrapped := fmt.Errorf("release: %w", err)

	assert.True(t, errors.Is(wrapped, errors.RequirementNotMet))
	assert.False(t, errors.Is(wrapped, errors.InvalidTransition))
	assert.Equal(t, errors.KindRequirementNotMet, errors.KindOf(wrapped))
	assert.Empty(t, errors.RequirementNotMet.Message, "Explain must not mutate the sentinel")
}

func TestWrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := errors.Conflict.Wrap(cause)

	assert.True(t, errors.Is(err, errors.Conflict))
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Nil(t, errors.Conflict.Unwrap())
}

func TestToProblem(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{errors.InvalidTransition.Explain("ACTIVE -> COMPLETED"), http.StatusBadRequest},
		{errors.RequirementNotMet, http.StatusUnprocessableEntity},
		{errors.DuplicatePayment, http.StatusConflict},
		{errors.NotFound, http.StatusNotFound},
		{errors.Forbidden, http.StatusForbidden},
		{errors.NoAvailableMiddleman, http.StatusServiceUnavailable},
		{fmt.Errorf("processor unreachable"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		problem := errors.ToProblem(tc.err, "/trades/1")
		assert.Equal(t, tc.status, problem.Status, tc.err.Error())
		assert.Equal(t, "/trades/1", problem.Instance)
	}
}

func TestNoAvailableMiddlemanIsRetryable(t *testing.T) {
	problem := errors.ToProblem(errors.NoAvailableMiddleman.Explain("pool empty"), "")
	raw, err := json.Marshal(problem)
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, true, body["retryable"])
	assert.Equal(t, "pool empty", body["detail"])
}
