package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-zpool/internal/config"
	"github.com/deploymenttheory/go-zpool/internal/logging"
)

// Context holds command-wide configuration and state
type Context struct {
	context.Context

	// Output preferences
	OutputFormat string
	Verbose      bool
	Quiet        bool

	// Pool tunables and the logger handed to the pool
	Config *config.Config
	Logger *logrus.Logger

	Stdout io.Writer
	Stderr io.Writer

	// Timeout bounds each command run through Bounded. Zero means none.
	Timeout time.Duration

	// Progress reporting
	ProgressCallback func(update ProgressUpdate)
}

// NewContext creates a context with default tunables that writes to the
// standard streams.
func NewContext() *Context {
	return &Context{
		Context:      context.Background(),
		OutputFormat: "table",
		Config:       config.Default(),
		Logger:       logging.Discard(),
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
	}
}

// WithTimeout creates a context with timeout
func (c *Context) WithTimeout(timeout time.Duration) (*Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(c.Context, timeout)
	newCtx := *c
	newCtx.Context = ctx
	return &newCtx, cancel
}

// WithCancel creates a cancellable context
func (c *Context) WithCancel() (*Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(c.Context)
	newCtx := *c
	newCtx.Context = ctx
	return &newCtx, cancel
}

// Bounded derives the context a command runs under: cancellable, and
// limited by Timeout when one is set.
func (c *Context) Bounded() (*Context, context.CancelFunc) {
	if c.Timeout > 0 {
		return c.WithTimeout(c.Timeout)
	}
	return c.WithCancel()
}

// SetProgress sets the progress callback function
func (c *Context) SetProgress(callback func(ProgressUpdate)) {
	c.ProgressCallback = callback
}

// Progress reports progress if callback is set
func (c *Context) Progress(update ProgressUpdate) {
	if c.ProgressCallback != nil {
		c.ProgressCallback(update)
	}
}

// Log writes a message when verbose output is on.
func (c *Context) Log(format string, args ...any) {
	if !c.Quiet && c.Verbose {
		fmt.Fprintf(c.Stderr, format+"\n", args...)
	}
}

// Error writes an error message. Quiet does not silence errors.
func (c *Context) Error(message string) {
	fmt.Fprintln(c.Stderr, "Error:", message)
}
