package ctxkeys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	_, ok := RequestID(context.Background())
	assert.False(t, ok)

	ctx := WithRequestID(context.Background(), "req-1")
	id, ok := RequestID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "req-1", id)

	_, ok = RequestID(WithRequestID(context.Background(), ""))
	assert.False(t, ok)
}

func TestPrincipal(t *testing.T) {
	_, ok := PrincipalFrom(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{Subject: "alice", Method: "jwt"})
	p, ok := PrincipalFrom(ctx)
	assert.True(t, ok)
	assert.Equal(t, "alice", p.Subject)
	assert.Equal(t, "jwt", p.Method)

	_, ok = PrincipalFrom(WithPrincipal(context.Background(), Principal{Method: "jwt"}))
	assert.False(t, ok)
}

func TestRunID(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-1")
	id, ok := RunID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "run-1", id)
}
