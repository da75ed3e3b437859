// SPDX-License-Identifier: Unlicense OR MIT

package klog

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		input string
		exp   string
	}{
		{
			"",
			"",
		},
		{
			"\n",
			"prefix: \n",
		},
		{
			"no line break anywhere",
			"prefix: no line break anywhere",
		},
		{
			"line feed at the end\n",
			"prefix: line feed at the end\n",
		},
		{
			"\nthe big brown\nfog jumped\nover the lazy\ndog",
			"prefix: \nprefix: the big brown\nprefix: fog jumped\nprefix: over the lazy\nprefix: dog",
		},
	}

	var (
		buf bytes.Buffer
		w   = PrefixWriter{
			Sink:   &buf,
			Prefix: []byte("prefix: "),
		}
	)

	for specIndex, spec := range specs {
		buf.Reset()
		w.bytesAfterPrefix = 0

		wrote, err := w.Write([]byte(spec.input))
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
		}

		if expLen := len(spec.input); expLen != wrote {
			t.Errorf("[spec %d] expected writer to write %d bytes; wrote %d", specIndex, expLen, wrote)
		}

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected output:\n%q\ngot:\n%q", specIndex, spec.exp, got)
		}
	}
}

func TestRingBuffer(t *testing.T) {
	var rb ringBuffer

	// Overflow the buffer; only the most recent bytes survive.
	input := strings.Repeat("a", ringBufferSize) + "tail"
	if n, _ := rb.Write([]byte(input)); n != len(input) {
		t.Fatalf("expected to write %d bytes; wrote %d", len(input), n)
	}

	out, err := io.ReadAll(&rb)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(out), "tail") {
		t.Errorf("expected buffer contents to end with %q", "tail")
	}
	if exp := ringBufferSize - 1; len(out) != exp {
		t.Errorf("expected %d buffered bytes; got %d", exp, len(out))
	}

	if n, err := rb.Read(make([]byte, 1)); n != 0 || err != io.EOF {
		t.Errorf("expected an empty buffer to return EOF; got %d, %v", n, err)
	}
}

func TestLoggerLevelsAndEarlyBuffer(t *testing.T) {
	defer SetOutput(nil)
	defer SetLevel(SetLevel(LevelInfo))

	SetOutput(nil)
	earlyBuffer = ringBuffer{}

	log := New("test")
	log.Debugf("hidden %d", 1)
	log.Infof("early %s", "message")

	var buf bytes.Buffer
	SetOutput(&buf)
	if exp := "[INFO  test] early message\n"; buf.String() != exp {
		t.Fatalf("expected early output %q to be flushed; got %q", exp, buf.String())
	}

	buf.Reset()
	log.Warnf("first\nsecond")
	if exp := "[WARN  test] first\n[WARN  test] second\n"; buf.String() != exp {
		t.Errorf("expected %q; got %q", exp, buf.String())
	}

	buf.Reset()
	SetLevel(LevelError)
	log.Warnf("dropped")
	if buf.Len() != 0 {
		t.Errorf("expected warning to be filtered; got %q", buf.String())
	}
	if Enabled(LevelWarn) {
		t.Error("expected LevelWarn to be disabled")
	}
}
