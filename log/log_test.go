package log

import (
	"bytes"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const tsRegex = `\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{0,9}Z`

func TestLoggerLogfmt(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("keeper-test", &b, FmtLogfmt, LevelDebug)
	require.Nil(t, err)

	l.Debug("a statement")
	require.Regexp(t, regexp.MustCompile(
		`level=debug ts=`+tsRegex+` caller=log_test\.go:\d{1,4} module=keeper-test msg="a statement"`),
		b.String())
}

func TestLoggerJSON(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("keeper-test", &b, FmtJSON, LevelDebug)
	require.Nil(t, err)

	l.Debug("a statement")
	//nolint:goconst
	require.Regexp(t, regexp.MustCompile(
		`{"caller":"log_test\.go:\d{1,4}","level":"debug","module":"keeper-test","msg":"a statement","ts":"`+tsRegex+`"}\n`),
		b.String())
}

func TestLoggerInvalid(t *testing.T) {
	var b bytes.Buffer
	_, err := NewLogger("keeper-test", &b, Format(255), LevelDebug)
	require.NotNil(t, err)
}

func TestWith(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("keeper-test", &b, FmtJSON, LevelDebug)
	require.Nil(t, err)

	l.With("attempt", 3).Debug("a statement")
	require.Regexp(t, regexp.MustCompile(
		`{"attempt":3,"caller":"log_test\.go:\d{1,4}","level":"debug","module":"keeper-test","msg":"a statement","ts":"`+tsRegex+`"}\n`),
		b.String())
}

func TestWithModule(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("keeper-test", &b, FmtJSON, LevelDebug)
	require.Nil(t, err)

	l.WithModule("submission").Debug("a statement")
	require.Regexp(t, regexp.MustCompile(
		`{"caller":"log_test\.go:\d{1,4}","level":"debug","module":"submission","msg":"a statement","ts":"`+tsRegex+`"}\n`),
		b.String())
}

func TestDebug(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("keeper-test", &b, FmtJSON, LevelInfo)
	require.Nil(t, err)

	l.Debug("a statement")
	require.Equal(t, 0, b.Len())

	l, err = NewLogger("keeper-test", &b, FmtJSON, LevelDebug)
	require.Nil(t, err)

	l.Debug("another statement")
	require.NotEqual(t, 0, b.Len())
}

func TestInfo(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("keeper-test", &b, FmtJSON, LevelWarn)
	require.Nil(t, err)

	l.Info("a statement")
	require.Equal(t, 0, b.Len())

	l, err = NewLogger("keeper-test", &b, FmtJSON, LevelInfo)
	require.Nil(t, err)

	l.Info("another statement")
	require.NotEqual(t, 0, b.Len())
}

func TestWarn(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("keeper-test", &b, FmtJSON, LevelError)
	require.Nil(t, err)

	l.Warn("a statement")
	require.Equal(t, 0, b.Len())

	l, err = NewLogger("keeper-test", &b, FmtJSON, LevelWarn)
	require.Nil(t, err)

	l.Warn("another statement")
	require.NotEqual(t, 0, b.Len())
}

func TestError(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("keeper-test", &b, FmtJSON, LevelError)
	require.Nil(t, err)

	l.Error("a statement")
	require.NotEqual(t, 0, b.Len())
}

func TestLevel(t *testing.T) {
	var lvl Level
	ls := lvl.Type()

	for _, l := range strings.Split(ls[1:len(ls)-1], ",") {
		err := lvl.Set(l)
		require.Nil(t, err)
		require.Equal(t, l, lvl.String())
	}
	err := lvl.Set("invalid")
	require.NotNil(t, err)

	lvl = Level(255)
	require.Panics(t, func() { _ = lvl.String() })
}

func TestFormat(t *testing.T) {
	var fmt Format
	fs := fmt.Type()

	for _, f := range strings.Split(fs[1:len(fs)-1], ",") {
		err := fmt.Set(f)
		require.Nil(t, err)
		require.Equal(t, f, fmt.String())
	}
	err := fmt.Set("invalid")
	require.NotNil(t, err)

	fmt = Format(255)
	require.Panics(t, func() { _ = fmt.String() })
}

func TestLevelAliases(t *testing.T) {
	var lvl Level
	require.NoError(t, lvl.Set("warning"))
	require.Equal(t, LevelWarn, lvl)
	require.NoError(t, lvl.Set(" debug "))
	require.Equal(t, LevelDebug, lvl)

	var f Format
	require.NoError(t, f.Set("text"))
	require.Equal(t, FmtLogfmt, f)
}

func TestWriterIntoLogger(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("keeper-test", &b, FmtLogfmt, LevelInfo)
	require.NoError(t, err)

	w := WriterIntoLogger(*l.WithModule("pogreb"))
	n, err := w.Write([]byte("compacting segment 3\n"))
	require.NoError(t, err)
	require.Equal(t, 21, n)
	require.Contains(t, b.String(), `module=pogreb msg="compacting segment 3"`)
}

func TestWithCallerUnwind(t *testing.T) {
	var b bytes.Buffer
	l, err := NewLogger("keeper-test", &b, FmtLogfmt, LevelDebug)
	require.NoError(t, err)

	helper := func(l *Logger) { l.Info("from helper") }
	helper(l.WithCallerUnwind(defaultCallerUnwind + 1))
	require.Regexp(t, regexp.MustCompile(`caller=log_test\.go:\d{1,4} module=keeper-test msg="from helper"`), b.String())
}
