package log

import "io"

// fanoutWriter duplicates every write across its writers; used to send log
// output to stdout and a rotating file simultaneously.
type fanoutWriter struct {
	writers []io.Writer
}

func newFanoutWriter(writers ...io.Writer) *fanoutWriter {
	return &fanoutWriter{writers: writers}
}

func (f *fanoutWriter) add(w io.Writer) *fanoutWriter {
	f.writers = append(f.writers, w)
	return f
}

func (f *fanoutWriter) Write(p []byte) (int, error) {
	var firstErr error
	for _, w := range f.writers {
		if _, err := w.Write(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(p), firstErr
}
