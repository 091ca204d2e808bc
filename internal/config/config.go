// Package config loads the station's INI configuration file.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config represents the axlink configuration
type Config struct {
	filename string

	// Station section
	callsign    string
	ssid        uint8
	location    string
	description string

	// Link section
	window          uint32
	extendedSeq     bool
	maxRetries      uint32
	minRTOSeconds   float64
	maxRTOSeconds   float64
	idleSeconds     uint32
	chunkSize       uint32
	selectiveReject bool
	compression     bool

	// Scheduler section
	bucketCapacity float64
	refillRate     float64
	maxJitterMs    uint32
	bulkShare      float64
	maxWindow      uint32

	// Adaptive section
	adaptiveEnabled bool
	manualChunkSize uint32
	manualWindow    uint32
	overrides       []string

	// Database section
	databaseEnabled bool
	databasePath    string

	// Log section
	logLevel string
	logFile  string
	logDebug bool

	// KISS Network section
	kissAddress string
	kissPort    uint32
	kissChannel uint8
	txDelay     uint8
	persistence uint8
	slotTime    uint8
}

// NewConfig creates a new configuration instance
func NewConfig(filename string) *Config {
	return &Config{
		filename: filename,
		// Set reasonable defaults
		window:        4,
		maxRetries:    10,
		minRTOSeconds: 1.0,
		maxRTOSeconds: 30.0,
		idleSeconds:   180,
		chunkSize:     128,
		compression:   true,

		bucketCapacity: 4,
		refillRate:     1,
		maxJitterMs:    50,
		bulkShare:      0.25,
		maxWindow:      4,

		adaptiveEnabled: true,
		manualChunkSize: 128,
		manualWindow:    2,

		databasePath: "data/axlink.db",

		logLevel: "info",

		kissAddress: "127.0.0.1",
		kissPort:    8001,
		txDelay:     30,
		persistence: 63,
		slotTime:    10,
	}
}

// Load loads configuration from the specified file
func (c *Config) Load() error {
	file, err := os.Open(c.filename)
	if err != nil {
		return fmt.Errorf("failed to open config file %s: %v", c.filename, err)
	}
	defer file.Close()

	return c.parseINIScanner(bufio.NewScanner(file))
}

// LoadFromString loads configuration from a string (useful for testing)
func (c *Config) LoadFromString(data string) error {
	return c.parseINIScanner(bufio.NewScanner(strings.NewReader(data)))
}

func (c *Config) parseINIScanner(scanner *bufio.Scanner) error {
	var currentSection string

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		// Check for section header
		if line[0] == '[' && line[len(line)-1] == ']' {
			currentSection = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}

		// Parse key=value pairs
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch currentSection {
		case "Station":
			c.parseStationSection(key, value)
		case "Link":
			c.parseLinkSection(key, value)
		case "Scheduler":
			c.parseSchedulerSection(key, value)
		case "Adaptive":
			c.parseAdaptiveSection(key, value)
		case "Database":
			c.parseDatabaseSection(key, value)
		case "Log":
			c.parseLogSection(key, value)
		case "KISS Network":
			c.parseKISSSection(key, value)
		}
	}

	return scanner.Err()
}

func (c *Config) parseStationSection(key, value string) {
	switch key {
	case "Callsign":
		c.callsign = strings.ToUpper(value)
	case "SSID":
		if v, err := strconv.ParseUint(value, 10, 8); err == nil && v <= 15 {
			c.ssid = uint8(v)
		}
	case "Location":
		c.location = value
	case "Description":
		c.description = value
	}
}

func (c *Config) parseLinkSection(key, value string) {
	switch key {
	case "Window":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.window = uint32(v)
		}
	case "ExtendedSequence":
		c.extendedSeq = c.parseBool(value)
	case "MaxRetries":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.maxRetries = uint32(v)
		}
	case "MinRTO":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			c.minRTOSeconds = v
		}
	case "MaxRTO":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			c.maxRTOSeconds = v
		}
	case "IdleTimeout":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.idleSeconds = uint32(v)
		}
	case "ChunkSize":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.chunkSize = uint32(v)
		}
	case "SelectiveReject":
		c.selectiveReject = c.parseBool(value)
	case "Compression":
		c.compression = c.parseBool(value)
	}
}

func (c *Config) parseSchedulerSection(key, value string) {
	switch key {
	case "BucketCapacity":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			c.bucketCapacity = v
		}
	case "RefillRate":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			c.refillRate = v
		}
	case "MaxJitter":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.maxJitterMs = uint32(v)
		}
	case "BulkShare":
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			c.bulkShare = v
		}
	case "MaxWindow":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.maxWindow = uint32(v)
		}
	}
}

func (c *Config) parseAdaptiveSection(key, value string) {
	switch key {
	case "Enabled":
		c.adaptiveEnabled = c.parseBool(value)
	case "ChunkSize":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.manualChunkSize = uint32(v)
		}
	case "Window":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.manualWindow = uint32(v)
		}
	case "Overrides":
		c.overrides = c.parseList(value)
	}
}

func (c *Config) parseDatabaseSection(key, value string) {
	switch key {
	case "Enabled":
		c.databaseEnabled = c.parseBool(value)
	case "Path":
		c.databasePath = value
	}
}

func (c *Config) parseLogSection(key, value string) {
	switch key {
	case "Level":
		c.logLevel = strings.ToLower(value)
	case "File":
		c.logFile = value
	case "Debug":
		c.logDebug = c.parseBool(value)
	}
}

func (c *Config) parseKISSSection(key, value string) {
	switch key {
	case "Address":
		c.kissAddress = value
	case "Port":
		if v, err := strconv.ParseUint(value, 10, 32); err == nil {
			c.kissPort = uint32(v)
		}
	case "Channel":
		if v, err := strconv.ParseUint(value, 10, 8); err == nil && v <= 15 {
			c.kissChannel = uint8(v)
		}
	case "TxDelay":
		if v, err := strconv.ParseUint(value, 10, 8); err == nil {
			c.txDelay = uint8(v)
		}
	case "Persistence":
		if v, err := strconv.ParseUint(value, 10, 8); err == nil {
			c.persistence = uint8(v)
		}
	case "SlotTime":
		if v, err := strconv.ParseUint(value, 10, 8); err == nil {
			c.slotTime = uint8(v)
		}
	}
}

func (c *Config) parseBool(value string) bool {
	return value == "1" || strings.ToLower(value) == "true" || strings.ToLower(value) == "yes"
}

func (c *Config) parseList(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Getter methods for Station section
func (c *Config) GetCallsign() string    { return c.callsign }
func (c *Config) GetSSID() uint8         { return c.ssid }
func (c *Config) GetLocation() string    { return c.location }
func (c *Config) GetDescription() string { return c.description }

// Getter methods for Link section
func (c *Config) GetWindow() uint32          { return c.window }
func (c *Config) GetExtendedSequence() bool  { return c.extendedSeq }
func (c *Config) GetMaxRetries() uint32      { return c.maxRetries }
func (c *Config) GetMinRTOSeconds() float64  { return c.minRTOSeconds }
func (c *Config) GetMaxRTOSeconds() float64  { return c.maxRTOSeconds }
func (c *Config) GetIdleSeconds() uint32     { return c.idleSeconds }
func (c *Config) GetChunkSize() uint32       { return c.chunkSize }
func (c *Config) GetSelectiveReject() bool   { return c.selectiveReject }
func (c *Config) GetCompression() bool       { return c.compression }

// Getter methods for Scheduler section
func (c *Config) GetBucketCapacity() float64 { return c.bucketCapacity }
func (c *Config) GetRefillRate() float64     { return c.refillRate }
func (c *Config) GetMaxJitterMs() uint32     { return c.maxJitterMs }
func (c *Config) GetBulkShare() float64      { return c.bulkShare }
func (c *Config) GetMaxWindow() uint32       { return c.maxWindow }

// Getter methods for Adaptive section
func (c *Config) GetAdaptiveEnabled() bool   { return c.adaptiveEnabled }
func (c *Config) GetManualChunkSize() uint32 { return c.manualChunkSize }
func (c *Config) GetManualWindow() uint32    { return c.manualWindow }
func (c *Config) GetOverrides() []string     { return c.overrides }

// Getter methods for Database section
func (c *Config) GetDatabaseEnabled() bool { return c.databaseEnabled }
func (c *Config) GetDatabasePath() string  { return c.databasePath }

// Getter methods for Log section
func (c *Config) GetLogLevel() string { return c.logLevel }
func (c *Config) GetLogFile() string  { return c.logFile }
func (c *Config) GetLogDebug() bool   { return c.logDebug }

// Getter methods for KISS Network section
func (c *Config) GetKISSAddress() string { return c.kissAddress }
func (c *Config) GetKISSPort() uint32    { return c.kissPort }
func (c *Config) GetKISSChannel() uint8  { return c.kissChannel }
func (c *Config) GetTxDelay() uint8      { return c.txDelay }
func (c *Config) GetPersistence() uint8  { return c.persistence }
func (c *Config) GetSlotTime() uint8     { return c.slotTime }
