package modbus

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultModbusTCPPort uint16 = 502

// Config describes a set of slaves and masters loaded from a YAML file.
type Config struct {
	Slaves  []SlaveConfig  `yaml:"slaves"`
	Masters []MasterConfig `yaml:"masters"`
}

// ---- CONNECTION ----

// ConnectionConfig is shared by slaves and masters.
type ConnectionConfig struct {
	Connection       string `yaml:"connection"`
	DefaultPort      uint16 `yaml:"default_port"`
	CommParams       string `yaml:"comm_params"`
	TimeoutMs        int    `yaml:"timeout_ms"`
	Recovery         bool   `yaml:"recovery"`
	TxEnable         string `yaml:"tx_enable"`
	RxEnable         string `yaml:"rx_enable"`
	TxDisableDelayUs int    `yaml:"tx_disable_delay_us"`
	SlaveAddress     *int   `yaml:"slave_address"`
	FloatMode        string `yaml:"float_mode"`
}

// ---- SLAVE ----

type SlaveConfig struct {
	ID               string `yaml:"id"`
	ConnectionConfig `yaml:",inline"`

	SlaveID   string               `yaml:"slave_id"`
	Registers *RegisterModelConfig `yaml:"registers"`
	Files     []FileConfig         `yaml:"files"`
}

type SpaceConfig struct {
	Base  int `yaml:"base"`
	Count int `yaml:"count"`
}

type RegisterModelConfig struct {
	Coils          SpaceConfig `yaml:"coils"`
	InputBits      SpaceConfig `yaml:"input_bits"`
	Registers      SpaceConfig `yaml:"registers"`
	InputRegisters SpaceConfig `yaml:"input_registers"`
}

// ---- FILES ----

type FileConfig struct {
	FileNo       uint16 `yaml:"file_no"`
	MaxSegments  uint16 `yaml:"max_segments"`
	NumFiles     uint16 `yaml:"num_files"`
	P44Header    *bool  `yaml:"p44_header"` // missing => true
	Path         string `yaml:"path"`
	FinalPath    string `yaml:"final_path"`
	RecordLength uint8  `yaml:"record_length"` // 0 => automatic
	ReadOnly     bool   `yaml:"read_only"`
}

// ---- MASTER ----

type MasterConfig struct {
	ID               string `yaml:"id"`
	ConnectionConfig `yaml:",inline"`

	RetryDelayMs          int `yaml:"retry_delay_ms"`
	CRCWaitDelayMs        int `yaml:"crc_wait_delay_ms"`
	BroadcastTurnaroundMs int `yaml:"broadcast_turnaround_ms"`
}

// LoadConfig reads, validates and normalizes the YAML file at path.
func LoadConfig(path string) (cfg *Config, err error) {
	var raw []byte

	raw, err = os.ReadFile(path)
	if err != nil {
		return
	}

	cfg = &Config{}
	err = yaml.Unmarshal(raw, cfg)
	if err != nil {
		cfg = nil
		err = fmt.Errorf("%s: %w", path, err)
		return
	}

	err = cfg.Validate()
	if err != nil {
		cfg = nil
		err = fmt.Errorf("%s: %w", path, err)
		return
	}

	cfg.Normalize()

	return
}

// Validate checks cfg without modifying it.
func (cfg *Config) Validate() (err error) {
	var ids = map[string]bool{}

	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if len(cfg.Slaves) == 0 && len(cfg.Masters) == 0 {
		return fmt.Errorf("no slaves or masters configured")
	}

	for i := range cfg.Slaves {
		var sc = &cfg.Slaves[i]

		if err = checkID(ids, "slave", i, sc.ID); err != nil {
			return
		}
		if err = sc.ConnectionConfig.validate(); err != nil {
			return fmt.Errorf("slave %q: %w", sc.ID, err)
		}
		if sc.SlaveAddress == nil || *sc.SlaveAddress < 1 || *sc.SlaveAddress > 247 {
			return fmt.Errorf("slave %q: slave_address must be set to 1..247", sc.ID)
		}
		if sc.Registers != nil {
			if err = sc.Registers.validate(); err != nil {
				return fmt.Errorf("slave %q: %w", sc.ID, err)
			}
		}
		if err = validateFiles(sc.Files); err != nil {
			return fmt.Errorf("slave %q: %w", sc.ID, err)
		}
	}

	for i := range cfg.Masters {
		var mc = &cfg.Masters[i]

		if err = checkID(ids, "master", i, mc.ID); err != nil {
			return
		}
		if err = mc.ConnectionConfig.validate(); err != nil {
			return fmt.Errorf("master %q: %w", mc.ID, err)
		}
		if mc.SlaveAddress != nil && (*mc.SlaveAddress < 0 || *mc.SlaveAddress > 0xff) {
			return fmt.Errorf("master %q: slave_address %d out of range", mc.ID, *mc.SlaveAddress)
		}
		if mc.RetryDelayMs < 0 || mc.CRCWaitDelayMs < 0 || mc.BroadcastTurnaroundMs < 0 {
			return fmt.Errorf("master %q: delays must not be negative", mc.ID)
		}
	}

	return
}

// Normalize fills in defaults. It must only be called on a validated config.
func (cfg *Config) Normalize() {
	if cfg == nil {
		return
	}

	for i := range cfg.Slaves {
		var sc = &cfg.Slaves[i]

		sc.ConnectionConfig.normalize()
		for fi := range sc.Files {
			var fc = &sc.Files[fi]

			if fc.MaxSegments == 0 {
				fc.MaxSegments = 1
			}
			if fc.NumFiles == 0 {
				fc.NumFiles = 1
			}
			if fc.P44Header == nil {
				var useHeader = true
				fc.P44Header = &useHeader
			}
		}
	}

	for i := range cfg.Masters {
		var mc = &cfg.Masters[i]

		mc.ConnectionConfig.normalize()
		if mc.RetryDelayMs == 0 {
			mc.RetryDelayMs = int(defaultRetryDelay / time.Millisecond)
		}
		if mc.CRCWaitDelayMs == 0 {
			mc.CRCWaitDelayMs = int(defaultCRCWaitDelay / time.Millisecond)
		}
		if mc.BroadcastTurnaroundMs == 0 {
			mc.BroadcastTurnaroundMs = int(defaultBroadcastTurnaround / time.Millisecond)
		}
	}

	return
}

// Build returns an unconnected slave set up as described by sc.
func (sc *SlaveConfig) Build() (s *Slave, err error) {
	s = NewSlave(nil)

	err = sc.ConnectionConfig.apply(s.Connection)
	if err != nil {
		s = nil
		err = fmt.Errorf("slave %q: %w", sc.ID, err)
		return
	}

	if sc.SlaveID != "" {
		s.SetSlaveID(sc.SlaveID)
	}

	if sc.Registers != nil {
		s.SetRegisterModel(RegisterModel{
			CoilsBase:          sc.Registers.Coils.Base,
			NumCoils:           sc.Registers.Coils.Count,
			InputBitsBase:      sc.Registers.InputBits.Base,
			NumInputBits:       sc.Registers.InputBits.Count,
			RegistersBase:      sc.Registers.Registers.Base,
			NumRegisters:       sc.Registers.Registers.Count,
			InputRegistersBase: sc.Registers.InputRegisters.Base,
			NumInputRegisters:  sc.Registers.InputRegisters.Count,
		})
	}

	for _, fc := range sc.Files {
		s.AddFileHandler(fc.build())
	}

	return
}

// Build returns an unconnected master set up as described by mc.
func (mc *MasterConfig) Build() (m *Master, err error) {
	m = NewMaster(nil)

	err = mc.ConnectionConfig.apply(m.Connection)
	if err != nil {
		m = nil
		err = fmt.Errorf("master %q: %w", mc.ID, err)
		return
	}

	if mc.RetryDelayMs > 0 {
		m.RetryDelay = time.Duration(mc.RetryDelayMs) * time.Millisecond
	}
	if mc.CRCWaitDelayMs > 0 {
		m.CRCWaitDelay = time.Duration(mc.CRCWaitDelayMs) * time.Millisecond
	}
	if mc.BroadcastTurnaroundMs > 0 {
		m.BroadcastTurnaround = time.Duration(mc.BroadcastTurnaroundMs) * time.Millisecond
	}

	return
}

// Builds a file handler. Expects a normalized config.
func (fc *FileConfig) build() (fh *FileHandler) {
	var opts []FileHandlerOption
	var useHeader = fc.P44Header == nil || *fc.P44Header

	if fc.FinalPath != "" {
		opts = append(opts, WithFinalPath(fc.FinalPath))
	}
	if fc.RecordLength > 0 {
		opts = append(opts, WithRecordLength(fc.RecordLength))
	}
	if fc.ReadOnly {
		opts = append(opts, WithReadOnly())
	}

	fh = NewFileHandler(fc.FileNo, fc.MaxSegments, fc.NumFiles, useHeader, fc.Path, opts...)

	return
}

func checkID(ids map[string]bool, kind string, index int, id string) (err error) {
	if id == "" {
		return fmt.Errorf("%s #%d: id is required", kind, index)
	}
	if ids[id] {
		return fmt.Errorf("duplicate id %q", id)
	}
	ids[id] = true

	return
}

func (cc *ConnectionConfig) validate() (err error) {
	var port = cc.DefaultPort

	if port == 0 {
		port = defaultModbusTCPPort
	}

	_, err = parseConnectionSpec(cc.Connection, port, cc.CommParams)
	if err != nil {
		return
	}

	if cc.TimeoutMs < 0 || cc.TxDisableDelayUs < 0 {
		return fmt.Errorf("timeout_ms and tx_disable_delay_us must not be negative")
	}

	if _, ok := parseFloatMode(cc.FloatMode); !ok {
		return fmt.Errorf("unknown float_mode %q", cc.FloatMode)
	}

	return
}

func (cc *ConnectionConfig) normalize() {
	if cc.DefaultPort == 0 {
		cc.DefaultPort = defaultModbusTCPPort
	}
	if cc.CommParams == "" {
		cc.CommParams = defaultCommParams
	}
	cc.FloatMode = strings.ToUpper(cc.FloatMode)
	if cc.FloatMode == "" {
		cc.FloatMode = "ABCD"
	}

	return
}

// Applies the connection settings to c.
func (cc *ConnectionConfig) apply(c *Connection) (err error) {
	var opts []ConnectionOption
	var mode FloatMode
	var ok bool

	opts = append(opts, WithRecoveryMode(cc.Recovery))
	if cc.TimeoutMs > 0 {
		opts = append(opts, WithTimeout(time.Duration(cc.TimeoutMs)*time.Millisecond))
	}
	if cc.TxEnable != "" {
		opts = append(opts, WithTxEnable(cc.TxEnable))
	}
	if cc.RxEnable != "" {
		opts = append(opts, WithRxEnable(cc.RxEnable))
	}
	if cc.TxDisableDelayUs > 0 {
		opts = append(opts, WithTxDisableDelay(time.Duration(cc.TxDisableDelayUs)*time.Microsecond))
	}

	err = c.SetConnectionSpecification(cc.Connection, cc.DefaultPort, cc.CommParams, opts...)
	if err != nil {
		return
	}

	if cc.SlaveAddress != nil {
		err = c.SetSlaveAddress(*cc.SlaveAddress)
		if err != nil {
			return
		}
	}

	mode, ok = parseFloatMode(cc.FloatMode)
	if !ok {
		return fmt.Errorf("unknown float_mode %q", cc.FloatMode)
	}
	c.SetFloatMode(mode)

	return
}

func (rc *RegisterModelConfig) validate() (err error) {
	for name, sp := range map[string]SpaceConfig{
		"coils":           rc.Coils,
		"input_bits":      rc.InputBits,
		"registers":       rc.Registers,
		"input_registers": rc.InputRegisters,
	} {
		if sp.Base < 0 || sp.Count < 0 || sp.Base+sp.Count > 0x10000 {
			return fmt.Errorf("%s: base %d/count %d outside the 16-bit address space",
				name, sp.Base, sp.Count)
		}
	}

	return
}

func validateFiles(files []FileConfig) (err error) {
	for i, fc := range files {
		var span = uint32(max(fc.MaxSegments, 1)) * uint32(max(fc.NumFiles, 1))

		if fc.Path == "" {
			return fmt.Errorf("file #%d: path is required", i)
		}
		if fc.FileNo == 0 {
			return fmt.Errorf("file #%d: file_no must be 1..65535", i)
		}
		if uint32(fc.FileNo)+span > 0x10000 {
			return fmt.Errorf("file #%d: file numbers %d+%d exceed 65535", i, fc.FileNo, span)
		}
		if int(fc.RecordLength) > maxChunkWords {
			return fmt.Errorf("file #%d: record_length %d exceeds %d", i, fc.RecordLength, maxChunkWords)
		}
		if fc.ReadOnly && fc.FinalPath != "" {
			return fmt.Errorf("file #%d: read_only files never complete, final_path is meaningless", i)
		}

		for j := 0; j < i; j++ {
			var other = files[j]
			var otherSpan = uint32(max(other.MaxSegments, 1)) * uint32(max(other.NumFiles, 1))

			if uint32(fc.FileNo) < uint32(other.FileNo)+otherSpan &&
				uint32(other.FileNo) < uint32(fc.FileNo)+span {
				return fmt.Errorf("file #%d: file numbers overlap with file #%d", i, j)
			}
		}
	}

	return
}

// Maps the letter notation used in config files to a FloatMode.
func parseFloatMode(s string) (mode FloatMode, ok bool) {
	ok = true

	switch strings.ToUpper(s) {
	case "", "ABCD":
		mode = FloatABCD
	case "CDAB":
		mode = FloatCDAB
	case "BADC":
		mode = FloatBADC
	case "DCBA":
		mode = FloatDCBA
	default:
		ok = false
	}

	return
}
