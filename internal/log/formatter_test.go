package log

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestPatternFormatterSubstitutesTokens(t *testing.T) {
	f := &patternFormatter{pattern: "%time %level %msg %field", time: "2006-01-02"}
	entry := &logrus.Entry{
		Level:   logrus.InfoLevel,
		Message: "hello",
		Time:    time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		Data:    logrus.Fields{"k": "v"},
	}

	out, err := f.Format(entry)
	assert.NoError(t, err)
	assert.Equal(t, "2026-01-02 info hello k=v\n", string(out))
}

func TestFanoutWriterWritesToEveryWriter(t *testing.T) {
	var a, b countingWriter
	fw := newFanoutWriter(&a, &b)

	n, err := fw.Write([]byte("hi"))
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, a.writes)
	assert.Equal(t, 1, b.writes)
}

type countingWriter struct{ writes int }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.writes++
	return len(p), nil
}
