package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sheerbytes/chunkftp/internal/backend"
	"github.com/sheerbytes/chunkftp/internal/backend/disk"
	"github.com/sheerbytes/chunkftp/internal/backend/ram"
	"github.com/sheerbytes/chunkftp/internal/logging"
)

// Backend kinds accepted in the backends file.
const (
	KindDisk = "disk"
	KindRAM  = "ram"
)

// BackendSpec describes one entry of the backends file.
//
//	backends:
//	  - id: 1
//	    kind: disk
//	    name: fat
//	    root: ./data/sd
//	    medium: spi
type BackendSpec struct {
	ID       uint8  `yaml:"id"`
	Kind     string `yaml:"kind"`
	Name     string `yaml:"name"`
	Root     string `yaml:"root,omitempty"`
	Capacity uint64 `yaml:"capacity,omitempty"`
	// Medium names a lock shared by disk backends on the same physical device.
	Medium string `yaml:"medium,omitempty"`
}

type backendsFile struct {
	Backends []BackendSpec `yaml:"backends"`
}

// DefaultBackends is the table used when no backends file is given.
func DefaultBackends() []BackendSpec {
	return []BackendSpec{
		{ID: backend.IDRAM, Kind: KindRAM, Name: "ram"},
		{ID: backend.IDFAT, Kind: KindDisk, Name: "fat", Root: "./data/sd", Medium: "spi"},
		{ID: backend.IDFlash, Kind: KindDisk, Name: "flash", Root: "./data/flash", Medium: "spi"},
	}
}

// LoadBackends reads the backends file at path. An empty path returns DefaultBackends.
func LoadBackends(path string) ([]BackendSpec, error) {
	if path == "" {
		return DefaultBackends(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backends file: %w", err)
	}
	return ParseBackends(data)
}

// ParseBackends decodes and validates a backends document.
func ParseBackends(data []byte) ([]BackendSpec, error) {
	var f backendsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse backends file: %w", err)
	}
	if len(f.Backends) == 0 {
		return nil, errors.New("backends file lists no backends")
	}
	seen := make(map[uint8]bool, len(f.Backends))
	for i, bs := range f.Backends {
		if seen[bs.ID] {
			return nil, fmt.Errorf("backend %d: duplicate id", bs.ID)
		}
		seen[bs.ID] = true
		switch bs.Kind {
		case KindRAM:
		case KindDisk:
			if bs.Root == "" {
				return nil, fmt.Errorf("backend %d: disk backend needs a root", bs.ID)
			}
		default:
			return nil, fmt.Errorf("backend %d: unknown kind %q", bs.ID, bs.Kind)
		}
		if bs.Name == "" {
			f.Backends[i].Name = fmt.Sprintf("%s%d", bs.Kind, bs.ID)
		}
	}
	return f.Backends, nil
}

// BuildRegistry instantiates every backend in specs and registers it under its id.
func BuildRegistry(specs []BackendSpec, logger *slog.Logger) (*backend.Registry, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	reg := backend.NewRegistry()
	media := make(map[string]*backend.Medium)
	for _, bs := range specs {
		var b backend.Backend
		switch bs.Kind {
		case KindRAM:
			b = ram.New(ram.Options{Name: bs.Name, Capacity: bs.Capacity, Logger: logger})
		case KindDisk:
			var medium *backend.Medium
			if bs.Medium != "" {
				medium = media[bs.Medium]
				if medium == nil {
					medium = &backend.Medium{}
					media[bs.Medium] = medium
				}
			}
			d, err := disk.New(disk.Options{Name: bs.Name, Root: bs.Root, Medium: medium, Logger: logger})
			if err != nil {
				return nil, fmt.Errorf("backend %d: %w", bs.ID, err)
			}
			b = d
		default:
			return nil, fmt.Errorf("backend %d: unknown kind %q", bs.ID, bs.Kind)
		}
		if err := reg.Register(bs.ID, b); err != nil {
			return nil, err
		}
		logger.Info("backend ready", "id", bs.ID, "kind", bs.Kind, "name", bs.Name, "root", bs.Root)
	}
	return reg, nil
}
