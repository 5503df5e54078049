package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCost(t *testing.T) {
	usage := Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000}
	require.Equal(t, 12.50, Cost("gpt-4o", usage))
	require.Equal(t, 0.75, Cost("gpt-4o-mini", usage))
	require.Equal(t, 0.0, Cost("some-unknown-model", usage))
	require.Equal(t, 0.0, Cost("gpt-4o", Usage{}))
}
