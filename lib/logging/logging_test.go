package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/gotmc/labinst/lib/config"
)

func TestApply(t *testing.T) {
	log := logrus.New()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	Apply(log, config.LogConfig{Level: "warn", Format: "json"})
	if log.GetLevel() != logrus.WarnLevel {
		t.Errorf("level = %s", log.GetLevel())
	}
	log.WithField("endpoint", "tcp://10.0.0.5:5900").Warn("exchange failed")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not json: %q", buf.String())
	}
	if rec["endpoint"] != "tcp://10.0.0.5:5900" || rec["msg"] != "exchange failed" {
		t.Errorf("record = %v", rec)
	}

	Apply(log, config.LogConfig{Level: "nonsense"})
	if log.GetLevel() != logrus.InfoLevel {
		t.Errorf("fallback level = %s", log.GetLevel())
	}
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lab.log")
	log, closer, err := New(config.LogConfig{Level: "info", Format: "text", Output: "file", FilePath: path})
	if err != nil {
		t.Fatal(err)
	}
	log.Info("bench ready")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "bench ready") {
		t.Errorf("log file = %q", b)
	}
}

func TestNewBadOutput(t *testing.T) {
	if _, _, err := New(config.LogConfig{Output: "syslog"}); err == nil {
		t.Error("unknown output accepted")
	}
}

func TestDebug(t *testing.T) {
	if Debug(true).GetLevel() != logrus.DebugLevel || Debug(false).GetLevel() != logrus.InfoLevel {
		t.Error("debug flag not mapped")
	}
}
