package ui

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
)

type persistenceData struct {
	LastProgram string `json:"last_program"`
}

// persistence remembers dashboard choices between runs
type persistence struct {
	filePath string
	data     persistenceData
	logger   *log.Logger
}

// DefaultStatePath is ~/.treadmill/ui_state.json, or ./ui_state.json without a home directory.
func DefaultStatePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "ui_state.json"
	}
	return filepath.Join(homeDir, ".treadmill", "ui_state.json")
}

func newPersistence(filePath string, logger *log.Logger) *persistence {
	p := &persistence{filePath: filePath, logger: logger}
	p.load()
	return p
}

func (p *persistence) lastProgram() string {
	return p.data.LastProgram
}

func (p *persistence) setLastProgram(name string) {
	if p.data.LastProgram == name {
		return
	}
	p.data.LastProgram = name
	p.save()
}

func (p *persistence) load() {
	raw, err := os.ReadFile(p.filePath)
	if err != nil {
		p.logger.Printf("Persistence: load %s (no existing file)", p.filePath)
		return
	}
	if err := json.Unmarshal(raw, &p.data); err != nil {
		p.logger.Printf("Persistence: load %s failed to parse: %v", p.filePath, err)
	}
}

func (p *persistence) save() {
	if err := os.MkdirAll(filepath.Dir(p.filePath), 0755); err != nil {
		p.logger.Printf("Persistence: save mkdir failed: %v", err)
		return
	}
	raw, err := json.MarshalIndent(p.data, "", "  ")
	if err != nil {
		p.logger.Printf("Persistence: save marshal failed: %v", err)
		return
	}
	if err := os.WriteFile(p.filePath, raw, 0644); err != nil {
		p.logger.Printf("Persistence: save %s failed: %v", p.filePath, err)
	}
}
