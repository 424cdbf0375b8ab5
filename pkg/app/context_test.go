package app

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContextLogging(t *testing.T) {
	ctx := NewContext()
	var errOut bytes.Buffer
	ctx.Stderr = &errOut

	ctx.Log("hidden %d", 1)
	assert.Empty(t, errOut.String())

	ctx.Verbose = true
	ctx.Log("shown %d", 2)
	ctx.Error("bad")
	assert.Equal(t, "shown 2\nError: bad\n", errOut.String())

	errOut.Reset()
	ctx.Quiet = true
	ctx.Log("quiet")
	ctx.Error("still shown")
	assert.Equal(t, "Error: still shown\n", errOut.String())
}

func TestContextDerivation(t *testing.T) {
	ctx := NewContext()
	ctx.OutputFormat = "json"

	tctx, cancel := ctx.WithTimeout(time.Minute)
	defer cancel()
	_, ok := tctx.Deadline()
	assert.True(t, ok)
	assert.Equal(t, "json", tctx.OutputFormat)

	cctx, cancel := ctx.WithCancel()
	cancel()
	assert.Error(t, cctx.Err())
	assert.NoError(t, ctx.Context.Err())
}

func TestContextBounded(t *testing.T) {
	ctx := NewContext()
	bctx, cancel := ctx.Bounded()
	_, ok := bctx.Deadline()
	assert.False(t, ok, "no timeout set")
	cancel()
	assert.ErrorIs(t, bctx.Err(), context.Canceled)

	ctx.Timeout = time.Millisecond
	bctx, cancel = ctx.Bounded()
	defer cancel()
	_, ok = bctx.Deadline()
	assert.True(t, ok)
	<-bctx.Done()
	assert.ErrorIs(t, bctx.Err(), context.DeadlineExceeded)
	assert.NoError(t, ctx.Context.Err())
}

func TestContextProgress(t *testing.T) {
	ctx := NewContext()
	ctx.Progress(ProgressUpdate{Message: "ignored"})

	var got []string
	ctx.SetProgress(func(u ProgressUpdate) { got = append(got, u.Message) })
	ctx.Progress(ProgressUpdate{Message: "one"})
	assert.Equal(t, []string{"one"}, got)
}
