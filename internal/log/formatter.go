package log

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// patternFormatter renders a logrus entry against a template containing any
// of %time, %level, %field, %msg, %caller, %func, %goroutine.
type patternFormatter struct {
	pattern string
	time    string
}

func (f *patternFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	out := f.pattern
	out = strings.Replace(out, "%time", entry.Time.Format(f.time), 1)
	out = strings.Replace(out, "%level", entry.Level.String(), 1)
	out = strings.Replace(out, "%field", joinFields(entry), 1)
	out = strings.Replace(out, "%msg", entry.Message, 1)
	out = strings.Replace(out, "%caller", callerLocation(entry), 1)
	out = strings.Replace(out, "%func", callerFunc(entry), 1)
	out = strings.Replace(out, "%goroutine", goroutineID(), 1)
	return []byte(out + "\n"), nil
}

// callerLocation renders "package/file.go:line", preferring the caller
// logrus already captured and falling back to runtime.Caller otherwise.
func callerLocation(entry *logrus.Entry) string {
	if entry.HasCaller() {
		file := baseName(entry.Caller.File)
		return fmt.Sprintf("%s/%s:%d", packageOf(entry.Caller.Function), file, entry.Caller.Line)
	}
	if _, file, line, ok := runtime.Caller(8); ok {
		return fmt.Sprintf("unknown/%s:%d", baseName(file), line)
	}
	return "unknown"
}

func callerFunc(entry *logrus.Entry) string {
	if entry.HasCaller() {
		return lastSegment(entry.Caller.Function)
	}
	if pc, _, _, ok := runtime.Caller(8); ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			return lastSegment(fn.Name())
		}
	}
	return "unknown"
}

func goroutineID() string {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	stack := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if fields := strings.Fields(stack); len(fields) > 0 {
		return fields[0]
	}
	return "unknown"
}

func joinFields(entry *logrus.Entry) string {
	fields := make([]string, 0, len(entry.Data))
	for key, val := range entry.Data {
		s, ok := val.(string)
		if !ok {
			s = fmt.Sprint(val)
		}
		fields = append(fields, key+"="+s)
	}
	return strings.Join(fields, ",")
}

func baseName(path string) string {
	if idx := strings.LastIndex(path, "/"); idx != -1 {
		return path[idx+1:]
	}
	return path
}

func lastSegment(name string) string {
	if idx := strings.LastIndex(name, "."); idx != -1 {
		return name[idx+1:]
	}
	return name
}

func packageOf(function string) string {
	parts := strings.Split(function, ".")
	if len(parts) < 2 {
		return ""
	}
	pkgParts := strings.Split(parts[0], "/")
	return pkgParts[len(pkgParts)-1]
}
