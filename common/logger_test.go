package common

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestStdLoggerLevelFilter(t *testing.T) {
	var out, errOut bytes.Buffer
	l := NewStdLoggerWithWriter(&out, &errOut, SeverityWarning)

	l.Debug("hidden")
	l.Info("hidden too")
	l.Warning("shown")

	s := out.String()
	if strings.Contains(s, "hidden") {
		t.Errorf("messages below min level leaked: %q", s)
	}
	if !strings.Contains(s, "shown") {
		t.Errorf("warning missing from output: %q", s)
	}
}

func TestLogrusLogger(t *testing.T) {
	var buf bytes.Buffer
	lr := logrus.New()
	lr.SetOutput(&buf)
	lr.SetLevel(logrus.DebugLevel)

	l := NewLogrusLogger(lr)
	l.Logf(SeverityInfo, "pins=0x%04x", 0x0313)

	if !strings.Contains(buf.String(), "pins=0x0313") {
		t.Errorf("formatted message missing: %q", buf.String())
	}
}

func TestSeverityString(t *testing.T) {
	if SeverityError.String() != "ERROR" || Severity(99).String() != "UNKNOWN" {
		t.Error("severity strings wrong")
	}
}
