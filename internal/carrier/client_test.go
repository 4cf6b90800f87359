package carrier

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jesus-bazan-entel/apimovil/internal/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		kind     OutcomeKind
		operator string
	}{
		{
			name:     "operator found",
			status:   http.StatusOK,
			body:     `{"name":"VODAFONE ESPANA, S.A.U."}`,
			kind:     OutcomeSuccess,
			operator: "VODAFONE ESPANA, S.A.U.",
		},
		{
			name:     "carrier's own number",
			status:   http.StatusNotFound,
			body:     `{"message":"Operator not found"}`,
			kind:     OutcomeCarrierSentinel,
			operator: SentinelOperator,
		},
		{
			name:   "session expired 401",
			status: http.StatusUnauthorized,
			body:   `{"message":"token expired"}`,
			kind:   OutcomeAuthExpired,
		},
		{
			name:   "session expired 498",
			status: 498,
			body:   ``,
			kind:   OutcomeAuthExpired,
		},
		{
			name:   "malformed success body",
			status: http.StatusOK,
			body:   `<html>gateway error</html>`,
			kind:   OutcomeTransient,
		},
		{
			name:   "success body missing name",
			status: http.StatusOK,
			body:   `{"code":12}`,
			kind:   OutcomeTransient,
		},
		{
			name:   "404 with unexpected message",
			status: http.StatusNotFound,
			body:   `{"message":"Route not found"}`,
			kind:   OutcomeFatal,
		},
		{
			name:   "malformed 404 body",
			status: http.StatusNotFound,
			body:   `not json`,
			kind:   OutcomeTransient,
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `{"message":"boom"}`,
			kind:   OutcomeFatal,
		},
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   ``,
			kind:   OutcomeFatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := Classify(tt.status, []byte(tt.body))
			assert.Equal(t, tt.kind, outcome.Kind)
			if tt.operator != "" {
				assert.Equal(t, tt.operator, outcome.Operator)
			}
			if tt.kind == OutcomeTransient {
				assert.Equal(t, errors.TransientDecode, outcome.Transient)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyTransport(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errors.TransientKind
	}{
		{"net timeout", timeoutErr{}, errors.TransientTimeout},
		{"context deadline", context.DeadlineExceeded, errors.TransientTimeout},
		{"tls record header", tls.RecordHeaderError{Msg: "first record does not look like a TLS handshake"}, errors.TransientTLS},
		{"tls in message", stderrors.New("remote error: tls: handshake failure"), errors.TransientTLS},
		{"connection refused", stderrors.New("dial tcp 10.0.0.1:1080: connect: connection refused"), errors.TransientConnection},
		{"connection reset", stderrors.New("read: connection reset by peer"), errors.TransientConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyTransport(tt.err))
		})
	}
}

func TestOutcomeTerminal(t *testing.T) {
	assert.True(t, successOutcome("MOVISTAR").Terminal())
	assert.True(t, sentinelOutcome().Terminal())
	assert.False(t, authExpiredOutcome().Terminal())
	assert.False(t, transientOutcome(errors.TransientTLS, "x").Terminal())
	assert.False(t, fatalOutcome("x").Terminal())
}

func TestOutcomeKindString(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "carrier_sentinel", OutcomeCarrierSentinel.String())
	assert.Equal(t, "auth_expired", OutcomeAuthExpired.String())
	assert.Equal(t, "transient", OutcomeTransient.String())
	assert.Equal(t, "fatal", OutcomeFatal.String())
}
