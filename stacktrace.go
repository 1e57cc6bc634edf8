package raven

import (
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

const maxFrames = 64

// Frames of this package's non-test files are capture machinery and never
// reported, whatever depth the capture happened at.
var internalPrefix = reflect.TypeOf(Client{}).PkgPath() + "."

// closures are named pkg.Outer.func1, pkg.Outer.func1.2, pkg.glob..func1
var anonymousFunc = regexp.MustCompile(`\.func\d+(\.\d+)*$`)

// callerFrames returns the user-visible frames of the calling goroutine,
// outermost first.
func callerFrames() []Frame {
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(2, pcs)
	return extractFrames(pcs[:n])
}

func newStacktrace() *Stacktrace {
	frames := callerFrames()
	if len(frames) == 0 {
		return nil
	}
	return &Stacktrace{Frames: frames}
}

func extractFrames(pcs []uintptr) []Frame {
	if len(pcs) == 0 {
		return nil
	}

	var frames []Frame
	callersFrames := runtime.CallersFrames(pcs)
	for {
		f, more := callersFrames.Next()
		if !isInternalFrame(f) {
			frames = append(frames, newFrame(f))
		}
		if !more {
			break
		}
	}

	// innermost first from the runtime; reverse
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}
	return frames
}

func isInternalFrame(f runtime.Frame) bool {
	if strings.HasPrefix(f.Function, internalPrefix) && !strings.HasSuffix(f.File, "_test.go") {
		return true
	}
	// panic machinery and goroutine entry points
	return strings.HasPrefix(f.Function, "runtime.")
}

func newFrame(f runtime.Frame) Frame {
	file := f.File
	if file == "" {
		file = "unknown"
	}

	module, function := splitFunctionName(f.Function)
	frame := Frame{
		Filename: file,
		Function: function,
		Module:   module,
		Lineno:   f.Line,
	}
	if f.Func != nil {
		_, frame.defLine = f.Func.FileLine(f.Entry)
	}
	return frame
}

// splitFunctionName turns "github.com/a/b.(*T).M" into ("github.com/a/b", "(*T).M").
func splitFunctionName(name string) (string, string) {
	if name == "" {
		return "", ""
	}
	slash := strings.LastIndex(name, "/")
	dot := strings.Index(name[slash+1:], ".")
	if dot < 0 {
		return "", name
	}
	dot += slash + 1
	return name[:dot], name[dot+1:]
}

// culpritOf names the frame: package.Function for named functions,
// file:line-defined for closures.
func culpritOf(f Frame) string {
	if f.Function == "" || anonymousFunc.MatchString(f.Function) {
		line := f.defLine
		if line == 0 {
			line = f.Lineno
		}
		return filepath.Base(f.Filename) + ":" + strconv.Itoa(line)
	}
	if f.Module == "" {
		return f.Function
	}
	return filepath.Base(f.Module) + "." + f.Function
}

// culpritAt resolves the culprit depth frames above the innermost user frame.
func culpritAt(frames []Frame, depth int) string {
	if len(frames) == 0 {
		return ""
	}
	i := len(frames) - 1 - depth
	if i < 0 {
		i = 0
	}
	return culpritOf(frames[i])
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// errorStacktrace extracts the trace recorded by github.com/pkg/errors, if any.
func errorStacktrace(err error) *Stacktrace {
	st, ok := err.(stackTracer)
	if !ok {
		return nil
	}
	trace := st.StackTrace()
	pcs := make([]uintptr, len(trace))
	for i, f := range trace {
		pcs[i] = uintptr(f)
	}
	frames := extractFrames(pcs)
	if len(frames) == 0 {
		return nil
	}
	return &Stacktrace{Frames: frames}
}
