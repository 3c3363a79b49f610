package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOutcome(t *testing.T) {
	for in, want := range map[string]Outcome{
		"0": OutcomeNo, "no": OutcomeNo, "nO": OutcomeNo, " NO ": OutcomeNo,
		"1": OutcomeYes, "YES": OutcomeYes, "yEs": OutcomeYes, "Yes": OutcomeYes,
	} {
		got, err := ParseOutcome(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "2", "maybe", "y"} {
		_, err := ParseOutcome(in)
		require.ErrorIs(t, err, ErrInvalidOutcome, in)
	}
}
