package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONFieldNaming(t *testing.T) {
	rec := OutcomeRecord{
		RunID:   "run-1",
		Seq:     3,
		Request: NewTransfer(Leg{Account: 0, Delta: -50}, Leg{Account: 1, Delta: 50}),
		Outcome: OK(),
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	assert.Contains(t, string(data), `"run_id"`)
	assert.Contains(t, string(data), `"legs"`)
	assert.NotContains(t, string(data), `"runId"`)
}

func TestRequest_Accounts(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want []AccountID
	}{
		{"check", NewCheck(4), []AccountID{4}},
		{"transfer keeps listed order", NewTransfer(Leg{2, 1}, Leg{0, -1}), []AccountID{2, 0}},
		{"duplicates collapse", NewTransfer(Leg{1, 5}, Leg{0, -3}, Leg{1, -2}), []AccountID{1, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.req.Accounts())
		})
	}
}

func TestNewTransfer_CopiesLegs(t *testing.T) {
	legs := []Leg{{Account: 0, Delta: 10}}
	req := NewTransfer(legs...)
	legs[0].Delta = 99

	assert.Equal(t, Amount(10), req.Legs[0].Delta)
}

func TestRequest_String(t *testing.T) {
	assert.Equal(t, "CHECK 5", NewCheck(5).String())
	assert.Equal(t, "TRANS 0 50 1 -50", NewTransfer(Leg{0, 50}, Leg{1, -50}).String())
}

func TestOutcome_Payload(t *testing.T) {
	assert.Equal(t, "BAL 0", Balance(0).Payload())
	assert.Equal(t, "ISF 1", InsufficientFunds(1).Payload())
	assert.Equal(t, "OK", OK().Payload())
	assert.Equal(t, "OVF 2", Overflow(2).Payload())
}

func TestParseOutcomeKind_RoundTripsTags(t *testing.T) {
	for _, k := range []OutcomeKind{OutcomeBalance, OutcomeInsufficientFunds, OutcomeOK, OutcomeOverflow} {
		got, err := ParseOutcomeKind(k.Tag())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := ParseOutcomeKind("NOPE")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tooMany := make([]Leg, MaxLegs+1)

	tests := []struct {
		name string
		req  Request
		code ValidationErrorCode
	}{
		{"check in range", NewCheck(2), ""},
		{"check out of range", NewCheck(5), ErrCodeAccountOutOfRange},
		{"check negative", NewCheck(-1), ErrCodeAccountOutOfRange},
		{"transfer ok", NewTransfer(Leg{0, 1}, Leg{2, -1}), ""},
		{"transfer leg out of range", NewTransfer(Leg{0, 1}, Leg{3, -1}), ErrCodeAccountOutOfRange},
		{"transfer no legs", NewTransfer(), ErrCodeNoLegs},
		{"transfer too many legs", NewTransfer(tooMany...), ErrCodeTooManyLegs},
		{"unknown kind", Request{}, ErrCodeUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate(3)
			if tt.code == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.code, ve.Code)
		})
	}
}
