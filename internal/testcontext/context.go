// Copyright (C) 2019 The Dbrief Authors.
// See LICENSE for copying information.

// Package testcontext implements convenience context for testing.
package testcontext

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 3 * time.Minute

// Context is a context that tracks resources for a test and ensures
// goroutines started with Go have finished before the test ends.
type Context struct {
	context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	test   testing.TB

	once      sync.Once
	directory string
}

// New creates a new test context with a default timeout.
func New(test testing.TB) *Context {
	parent, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	group, ctx := errgroup.WithContext(parent)
	return &Context{
		Context: ctx,
		cancel:  cancel,
		group:   group,
		test:    test,
	}
}

// Go runs fn in a goroutine. Call Cleanup to check the result.
func (ctx *Context) Go(fn func() error) {
	ctx.test.Helper()
	ctx.group.Go(fn)
}

// Check calls fn and fails the test on error.
func (ctx *Context) Check(fn func() error) {
	ctx.test.Helper()
	if err := fn(); err != nil {
		ctx.test.Fatal(err)
	}
}

// Dir returns a directory path inside a per-test temporary directory.
func (ctx *Context) Dir(subs ...string) string {
	ctx.test.Helper()

	ctx.once.Do(func() {
		var err error
		ctx.directory, err = ioutil.TempDir("", ctx.test.Name())
		if err != nil {
			ctx.test.Fatal(err)
		}
	})

	dir := filepath.Join(append([]string{ctx.directory}, subs...)...)
	if err := os.MkdirAll(dir, 0744); err != nil {
		ctx.test.Fatal(err)
	}
	return dir
}

// File returns a file path inside a per-test temporary directory.
func (ctx *Context) File(subs ...string) string {
	ctx.test.Helper()

	if len(subs) == 0 {
		ctx.test.Fatal("expected at least one argument")
	}

	dir := ctx.Dir(subs[:len(subs)-1]...)
	return filepath.Join(dir, subs[len(subs)-1])
}

// Cleanup waits for goroutines to finish and removes temporary directories.
func (ctx *Context) Cleanup() {
	ctx.test.Helper()
	defer ctx.deleteTemporary()
	defer ctx.cancel()

	if err := ctx.group.Wait(); err != nil {
		ctx.test.Fatal(err)
	}
}

func (ctx *Context) deleteTemporary() {
	if ctx.directory == "" {
		return
	}
	if err := os.RemoveAll(ctx.directory); err != nil {
		ctx.test.Fatal(err)
	}
	ctx.directory = ""
}
