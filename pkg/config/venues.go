package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// SymbolMeta is the fallback tick/step precision for one symbol, seeded from
// a static file and refreshed lazily from a venue's exchangeInfo call.
type SymbolMeta struct {
	Symbol       string  `yaml:"symbol"`
	TickSize     float64 `yaml:"tick_size"`
	StepSize     float64 `yaml:"step_size"`
	PricePrec    int     `yaml:"price_precision"`
	QtyPrec      int     `yaml:"qty_precision"`
}

type venueSeed struct {
	Venue   string       `yaml:"venue"`
	Symbols []SymbolMeta `yaml:"symbols"`
}

type venuesFile struct {
	Venues []venueSeed `yaml:"venues"`
}

// VenueMetadata is an in-process, read-mostly cache of per-venue symbol
// precision, seeded once from disk at startup and lazily refreshed by
// callers on SYMBOL_INVALID.
type VenueMetadata struct {
	mu   sync.RWMutex
	data map[string]map[string]SymbolMeta // venue -> symbol -> meta
}

// LoadVenueMetadata reads the yaml seed file. A missing file is not fatal;
// callers fall back to lazy REST refresh for every symbol.
func LoadVenueMetadata(path string) (*VenueMetadata, error) {
	vm := &VenueMetadata{data: make(map[string]map[string]SymbolMeta)}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return vm, nil
		}
		return nil, fmt.Errorf("read venue metadata: %w", err)
	}

	var parsed venuesFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse venue metadata: %w", err)
	}

	for _, v := range parsed.Venues {
		symMap := make(map[string]SymbolMeta, len(v.Symbols))
		for _, s := range v.Symbols {
			symMap[s.Symbol] = s
		}
		vm.data[v.Venue] = symMap
	}
	return vm, nil
}

// Get returns the cached metadata for (venue, symbol).
func (vm *VenueMetadata) Get(venue, symbol string) (SymbolMeta, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	symMap, ok := vm.data[venue]
	if !ok {
		return SymbolMeta{}, false
	}
	m, ok := symMap[symbol]
	return m, ok
}

// Put refreshes an entry, used after a lazy exchangeInfo lookup.
func (vm *VenueMetadata) Put(venue string, meta SymbolMeta) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	symMap, ok := vm.data[venue]
	if !ok {
		symMap = make(map[string]SymbolMeta)
		vm.data[venue] = symMap
	}
	symMap[meta.Symbol] = meta
}
