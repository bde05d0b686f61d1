package wire

import (
	"bytes"
	"io"
)

// TapReader wraps the agent's stdout. Bytes pass through untouched; each
// complete line is appended to the wire log and offered to the capture.
func TapReader(r io.Reader, capture *Capture, log *Log) io.Reader {
	return &tapReader{r: r, capture: capture, log: log}
}

type tapReader struct {
	r       io.Reader
	capture *Capture
	log     *Log
	pending bytes.Buffer
}

func (t *tapReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.pending.Write(p[:n])
		t.drain()
	}
	return n, err
}

func (t *tapReader) drain() {
	for {
		data := t.pending.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return
		}
		line := make([]byte, idx)
		copy(line, data[:idx])
		t.pending.Next(idx + 1)
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		t.log.writeLine("<-", line)
		if t.capture != nil {
			t.capture.observe(line)
		}
	}
}

// TapWriter wraps the agent's stdin. Bytes pass through untouched; each
// complete line is appended to the wire log.
func TapWriter(w io.Writer, log *Log) io.Writer {
	return &tapWriter{w: w, log: log}
}

type tapWriter struct {
	w       io.Writer
	log     *Log
	pending bytes.Buffer
}

func (t *tapWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if n > 0 {
		t.pending.Write(p[:n])
		for {
			data := t.pending.Bytes()
			idx := bytes.IndexByte(data, '\n')
			if idx < 0 {
				break
			}
			line := make([]byte, idx)
			copy(line, data[:idx])
			t.pending.Next(idx + 1)
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			t.log.writeLine("->", line)
		}
	}
	return n, err
}
