package main

import (
	"fmt"
	"os"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v3"

	"github.com/perchos/perch"
	"github.com/perchos/perch/internal/hw"
)

// fileConfig is the YAML machine description.
type fileConfig struct {
	Memory      string `yaml:"memory"`
	Cores       int    `yaml:"cores"`
	Init        string `yaml:"init"`
	Framebuffer *struct {
		Width  uint32 `yaml:"width"`
		Height uint32 `yaml:"height"`
		Pitch  uint32 `yaml:"pitch"`
		BPP    uint32 `yaml:"bpp"`
	} `yaml:"framebuffer"`
}

// loadConfig reads a machine description and folds it into cfg.
func loadConfig(path string, cfg *perch.Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if fc.Memory != "" {
		sz, err := bytesize.Parse(fc.Memory)
		if err != nil {
			return fmt.Errorf("config: memory size %q: %w", fc.Memory, err)
		}
		cfg.MemSize = uint64(sz)
	}
	if fc.Cores > 0 {
		cfg.Cores = fc.Cores
	}
	if fc.Init != "" {
		cfg.InitPath = fc.Init
	}
	if fb := fc.Framebuffer; fb != nil {
		pitch := fb.Pitch
		if pitch == 0 {
			pitch = fb.Width * fb.BPP / 8
		}
		cfg.FB = &hw.FBInfo{
			Addr:   0xFD000000,
			Width:  fb.Width,
			Height: fb.Height,
			Pitch:  pitch,
			BPP:    fb.BPP,
		}
	}
	return nil
}
