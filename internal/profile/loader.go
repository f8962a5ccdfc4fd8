// Package profile loads instrument profiles: the device, channel and
// attribute layout an instrument exposes through its attribute store.
package profile

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/analogdevicesinc/libm2k-sub001/internal/types"
	"gopkg.in/yaml.v3"
)

//go:embed profiles/*.yaml
var builtin embed.FS

// DefaultID names the built-in ADALM2000 profile.
const DefaultID = "m2k"

type Loader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewLoader(searchPaths []string) (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &Loader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Load resolves id against the search paths first and the built-in profiles
// second. Parsed profiles are cached.
func (l *Loader) Load(id string) (*types.InstrumentProfile, error) {
	if cached, ok := l.cache.Load(id); ok {
		return cached.(*types.InstrumentProfile), nil
	}

	var data []byte
	var foundPath string

	for _, searchPath := range l.searchPaths {
		fullPath := filepath.Join(searchPath, id+".yaml")
		b, err := os.ReadFile(fullPath)
		if err == nil {
			data, foundPath = b, fullPath
			break
		}
	}

	if data == nil {
		b, err := builtin.ReadFile("profiles/" + id + ".yaml")
		if err != nil {
			return nil, fmt.Errorf("profile not found: %s (searched in: %v)", id, l.searchPaths)
		}
		data, foundPath = b, "builtin:"+id
	}

	profile, err := l.parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid profile %s: %w", foundPath, err)
	}

	l.cache.Store(id, profile)

	return profile, nil
}

func (l *Loader) parse(data []byte) (*types.InstrumentProfile, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// The schema works on JSON documents.
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert profile: %w", err)
	}

	if err := l.validator.ValidateProfile(jsonData); err != nil {
		return nil, err
	}

	var profile types.InstrumentProfile
	if err := json.Unmarshal(jsonData, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	return &profile, nil
}

func (l *Loader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}

var (
	defaultOnce    sync.Once
	defaultProfile *types.InstrumentProfile
	defaultErr     error
)

// Default returns the built-in ADALM2000 profile.
func Default() (*types.InstrumentProfile, error) {
	defaultOnce.Do(func() {
		l, err := NewLoader(nil)
		if err != nil {
			defaultErr = err
			return
		}
		defaultProfile, defaultErr = l.Load(DefaultID)
	})
	return defaultProfile, defaultErr
}
