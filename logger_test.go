package modbus

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// Decodes the first log entry written to buf.
func firstLogEntry(t *testing.T, buf *bytes.Buffer) (entry map[string]interface{}) {
	var line string

	line, _, _ = strings.Cut(buf.String(), "\n")
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("failed to decode log entry '%s': %v", line, err)
	}

	return
}

func TestMasterCustomLogger(t *testing.T) {
	var buf bytes.Buffer
	var entry map[string]interface{}

	zl := zerolog.New(&buf)
	m := NewMaster(&zl)

	_ = m.SetConnectionSpecification("", 502, "")

	entry = firstLogEntry(t, &buf)
	if entry["level"] != "error" {
		t.Errorf("expected level error, got %v", entry["level"])
	}
	if entry["component"] != "modbus-master()" {
		t.Errorf("expected component modbus-master(), got %v", entry["component"])
	}
	if !strings.HasPrefix(entry["message"].(string), "invalid connection specification ''") {
		t.Errorf("unexpected message '%v'", entry["message"])
	}
}

func TestSlaveCustomLogger(t *testing.T) {
	var buf bytes.Buffer
	var entry map[string]interface{}

	zl := zerolog.New(&buf)
	s := NewSlave(&zl)

	_ = s.SetConnectionSpecification("/dev/ttyUSB0:9600,9", 0, "")

	entry = firstLogEntry(t, &buf)
	if entry["component"] != "modbus-slave()" {
		t.Errorf("expected component modbus-slave(), got %v", entry["component"])
	}
	if !strings.Contains(entry["message"].(string), "bad data bits '9'") {
		t.Errorf("unexpected message '%v'", entry["message"])
	}
}

func TestSetLogger(t *testing.T) {
	var buf bytes.Buffer
	var entry map[string]interface{}

	saved := baseLogger
	SetLogger(zerolog.New(&buf))
	defer SetLogger(saved)

	l := newLogger("file-handler(1:/tmp/x)", nil)
	l.Warningf("%d records missing", 3)

	entry = firstLogEntry(t, &buf)
	if entry["level"] != "warn" || entry["message"] != "3 records missing" ||
		entry["component"] != "file-handler(1:/tmp/x)" {
		t.Errorf("unexpected log entry %v", entry)
	}
}
