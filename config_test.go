package modbus

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testConfigYAML = `
slaves:
  - id: meter
    connection: "127.0.0.1:0"
    slave_address: 5
    float_mode: cdab
    slave_id: "p44 test slave"
    registers:
      coils: { base: 0, count: 16 }
      registers: { base: 100, count: 10 }
    files:
      - file_no: 40
        max_segments: 2
        path: "/tmp/fw.tmp"
        final_path: "/tmp/fw.bin"
      - file_no: 60
        num_files: 3
        p44_header: false
        path: "/tmp/log%d.txt"
        read_only: true

masters:
  - id: bus
    connection: "/dev/ttyUSB0:19200"
    timeout_ms: 250
    slave_address: 9
    retry_delay_ms: 20
`

func writeTestConfig(t *testing.T, content string) (path string) {
	path = filepath.Join(t.TempDir(), "config.yaml")

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	return
}

func TestLoadConfig(t *testing.T) {
	var cfg *Config
	var err error

	cfg, err = LoadConfig(writeTestConfig(t, testConfigYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Slaves) != 1 || len(cfg.Masters) != 1 {
		t.Fatalf("expected 1 slave and 1 master, got %d/%d", len(cfg.Slaves), len(cfg.Masters))
	}

	sc := cfg.Slaves[0]
	if sc.Connection != "127.0.0.1:0" || *sc.SlaveAddress != 5 || sc.SlaveID != "p44 test slave" {
		t.Errorf("unexpected slave config %+v", sc)
	}
	if sc.Registers == nil || sc.Registers.Registers.Base != 100 || sc.Registers.Coils.Count != 16 {
		t.Errorf("unexpected register model %+v", sc.Registers)
	}

	// normalized defaults
	if sc.DefaultPort != 502 || sc.CommParams != defaultCommParams || sc.FloatMode != "CDAB" {
		t.Errorf("connection defaults not applied: %+v", sc.ConnectionConfig)
	}
	if len(sc.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(sc.Files))
	}
	if sc.Files[0].NumFiles != 1 || sc.Files[0].MaxSegments != 2 || !*sc.Files[0].P44Header {
		t.Errorf("unexpected file config %+v", sc.Files[0])
	}
	if sc.Files[1].MaxSegments != 1 || sc.Files[1].NumFiles != 3 || *sc.Files[1].P44Header {
		t.Errorf("unexpected file config %+v", sc.Files[1])
	}

	mc := cfg.Masters[0]
	if mc.TimeoutMs != 250 || mc.RetryDelayMs != 20 {
		t.Errorf("unexpected master config %+v", mc)
	}
	if mc.CRCWaitDelayMs != 10000 || mc.BroadcastTurnaroundMs != 100 {
		t.Errorf("master delay defaults not applied: %+v", mc)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	var err error

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Errorf("expected an error for a missing file")
	}

	_, err = LoadConfig(writeTestConfig(t, "slaves: [ {id: x"))
	if err == nil {
		t.Errorf("expected a parse error")
	}

	_, err = LoadConfig(writeTestConfig(t, "masters: []\n"))
	if err == nil || !strings.Contains(err.Error(), "no slaves or masters") {
		t.Errorf("expected an empty config to be rejected, got: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	var addr = 5
	var bad = 300

	validSlave := func() SlaveConfig {
		return SlaveConfig{
			ID: "s",
			ConnectionConfig: ConnectionConfig{
				Connection:   "*:1502",
				SlaveAddress: &addr,
			},
			Files: []FileConfig{{FileNo: 40, Path: "/tmp/a"}},
		}
	}

	for _, tc := range []struct {
		name   string
		mangle func(cfg *Config)
		expect string
	}{
		{"valid", func(cfg *Config) {}, ""},
		{"missing id", func(cfg *Config) { cfg.Slaves[0].ID = "" }, "id is required"},
		{"duplicate id", func(cfg *Config) {
			cfg.Masters = []MasterConfig{{ID: "s", ConnectionConfig: ConnectionConfig{Connection: "10.0.0.1"}}}
		}, `duplicate id "s"`},
		{"bad connection", func(cfg *Config) { cfg.Slaves[0].Connection = "" }, "empty connection"},
		{"bad comm params", func(cfg *Config) { cfg.Slaves[0].Connection = "/dev/ttyS0:9600,9" }, "slave \"s\""},
		{"no slave address", func(cfg *Config) { cfg.Slaves[0].SlaveAddress = nil }, "slave_address"},
		{"broadcast slave address", func(cfg *Config) {
			var zero = 0
			cfg.Slaves[0].SlaveAddress = &zero
		}, "slave_address"},
		{"bad float mode", func(cfg *Config) { cfg.Slaves[0].FloatMode = "ACBD" }, "float_mode"},
		{"negative timeout", func(cfg *Config) { cfg.Slaves[0].TimeoutMs = -1 }, "negative"},
		{"register overflow", func(cfg *Config) {
			cfg.Slaves[0].Registers = &RegisterModelConfig{Registers: SpaceConfig{Base: 0xfff0, Count: 32}}
		}, "registers"},
		{"file without path", func(cfg *Config) { cfg.Slaves[0].Files[0].Path = "" }, "path is required"},
		{"file number zero", func(cfg *Config) { cfg.Slaves[0].Files[0].FileNo = 0 }, "file_no"},
		{"file numbers past 65535", func(cfg *Config) {
			cfg.Slaves[0].Files[0].FileNo = 0xfffe
			cfg.Slaves[0].Files[0].MaxSegments = 4
		}, "exceed"},
		{"record length", func(cfg *Config) { cfg.Slaves[0].Files[0].RecordLength = 119 }, "record_length"},
		{"overlapping files", func(cfg *Config) {
			cfg.Slaves[0].Files[0].MaxSegments = 4
			cfg.Slaves[0].Files = append(cfg.Slaves[0].Files, FileConfig{FileNo: 43, Path: "/tmp/b"})
		}, "overlap"},
		{"master address", func(cfg *Config) {
			cfg.Masters = []MasterConfig{{ID: "m", ConnectionConfig: ConnectionConfig{
				Connection: "10.0.0.1", SlaveAddress: &bad}}}
		}, "out of range"},
		{"master delays", func(cfg *Config) {
			cfg.Masters = []MasterConfig{{ID: "m", ConnectionConfig: ConnectionConfig{Connection: "10.0.0.1"},
				RetryDelayMs: -5}}
		}, "negative"},
	} {
		var cfg = &Config{Slaves: []SlaveConfig{validSlave()}}
		var err error

		tc.mangle(cfg)
		err = cfg.Validate()

		if tc.expect == "" {
			if err != nil {
				t.Errorf("%s: unexpected error: %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.expect) {
			t.Errorf("%s: expected an error containing %q, got: %v", tc.name, tc.expect, err)
		}
	}

	// validation leaves defaults to Normalize
	cfg := &Config{Slaves: []SlaveConfig{validSlave()}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Slaves[0].DefaultPort != 0 || cfg.Slaves[0].Files[0].P44Header != nil {
		t.Errorf("Validate() should not modify the config")
	}
}

func TestConfigBuild(t *testing.T) {
	var cfg *Config
	var s *Slave
	var m *Master
	var err error
	var dir = t.TempDir()

	cfg, err = LoadConfig(writeTestConfig(t, strings.ReplaceAll(testConfigYAML, "/tmp/", dir+"/")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s, err = cfg.Slaves[0].Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s.SlaveAddress() != 5 || s.floatMode != FloatCDAB {
		t.Errorf("unexpected slave settings: addr %d, float mode %d", s.SlaveAddress(), s.floatMode)
	}
	if s.slaveID != "p44 test slave" {
		t.Errorf("unexpected slave id '%s'", s.slaveID)
	}
	if len(s.fileHandlers) != 2 {
		t.Fatalf("expected 2 file handlers, got %d", len(s.fileHandlers))
	}
	if !s.fileHandlers[0].Handles(41) || s.fileHandlers[0].Handles(42) {
		t.Errorf("first handler should cover file numbers 40..41")
	}
	if !s.fileHandlers[1].Handles(62) || !s.fileHandlers[1].readOnly || s.fileHandlers[1].useP44Header {
		t.Errorf("unexpected second handler %+v", s.fileHandlers[1])
	}

	// the model is live
	s.SetReg(105, false, 0x1234)
	if s.GetReg(105, false) != 0x1234 {
		t.Errorf("register model not installed")
	}

	m, err = cfg.Masters[0].Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.SlaveAddress() != 9 || m.RetryDelay != 20*time.Millisecond ||
		m.CRCWaitDelay != 10*time.Second {
		t.Errorf("unexpected master settings %+v", m)
	}
	if m.spec.kind != modbusRTU || m.spec.speed != 19200 || m.opts.timeout != 250*time.Millisecond {
		t.Errorf("unexpected master connection %+v/%+v", m.spec, m.opts)
	}

	// a master has nowhere to connect to on a wildcard address
	mc := MasterConfig{ID: "wild", ConnectionConfig: ConnectionConfig{Connection: "*"}}
	_, err = mc.Build()
	if err == nil || !strings.Contains(err.Error(), `master "wild"`) {
		t.Errorf("expected a build error, got: %v", err)
	}
}
