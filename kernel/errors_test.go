// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"eliasnaur.com/unikmm/klog"
	"eliasnaur.com/unikmm/mem/memset"
	"eliasnaur.com/unikmm/mem/paging"
	"eliasnaur.com/unikmm/mem/pmm"
)

// captureLog redirects log output to a buffer for the rest of the test.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	klog.SetOutput(&buf)
	t.Cleanup(func() { klog.SetOutput(nil) })
	return &buf
}

func TestTranslateErr(t *testing.T) {
	specs := []struct {
		err    error
		exp    error
		logged string
	}{
		{nil, nil, ""},
		{paging.ErrNoMemory, ErrNoMemory, "Paging error: NoMemory"},
		{paging.ErrNotAligned, ErrInvalidInput, "Paging error: NotAligned"},
		{paging.ErrNotMapped, ErrNotFound, "Paging error: NotMapped"},
		{paging.ErrAlreadyMapped, ErrAlreadyExists, "Paging error: AlreadyMapped"},
		{paging.ErrMappedToHugePage, ErrInvalidInput, "Paging error: MappedToHugePage"},
		{memset.ErrInvalidParam, ErrInvalidInput, "Mapping error: InvalidParam"},
		{memset.ErrAlreadyExists, ErrAlreadyExists, "Mapping error: AlreadyExists"},
		{memset.ErrBadState, ErrBadState, "Mapping error: BadState"},
		{fmt.Errorf("wrapped: %w", paging.ErrNotMapped), ErrNotFound, "Paging error: NotMapped"},
		{pmm.ErrOutOfMemory, ErrNoMemory, "Allocation error"},
		{ErrNotFound, ErrNotFound, ""},
		{errors.New("something else"), ErrBadState, "Unexpected error"},
	}

	buf := captureLog(t)
	for specIndex, spec := range specs {
		buf.Reset()
		if got := translateErr(spec.err); got != spec.exp {
			t.Errorf("[spec %d] expected %v; got %v", specIndex, spec.exp, got)
		}
		out := buf.String()
		if spec.logged == "" {
			if out != "" {
				t.Errorf("[spec %d] expected no log output; got %q", specIndex, out)
			}
			continue
		}
		if !strings.HasPrefix(out, "[WARN  mm] ") || !strings.Contains(out, spec.logged) {
			t.Errorf("[spec %d] expected warning containing %q; got %q", specIndex, spec.logged, out)
		}
	}
}

func TestFatal(t *testing.T) {
	buf := captureLog(t)
	err := expectHalt(t, func() { fatal("broken") })
	if !strings.Contains(err, "broken") {
		t.Errorf("expected panic to mention the message; got %q", err)
	}
	if !strings.Contains(buf.String(), "[ERROR mm] fatal error: broken") {
		t.Errorf("expected fatal error to be logged; got %q", buf.String())
	}
}

// expectHalt runs fn, which must halt by calling fatal, and returns the
// halt message.
func expectHalt(t *testing.T, fn func()) (msg string) {
	t.Helper()
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected a fatal error")
		}
		msg = fmt.Sprint(r)
	}()
	fn()
	return ""
}
