package sector

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/procurelens/tendersearch/internal/core/domain"
)

// Catalog holds the sector taxonomy loaded from a YAML file. The
// catalog is immutable after load, lookups need no locking.
type Catalog struct {
	sectors  map[string]domain.Sector
	fallback domain.Sector
	ids      []string
}

type catalogFile struct {
	Default string          `yaml:"default"`
	Sectors []domain.Sector `yaml:"sectors"`
}

// Load reads the sector catalog from path and validates it.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sector catalog: %w", err)
	}
	return Parse(raw)
}

// Parse builds a Catalog from raw YAML.
func Parse(raw []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse sector catalog: %w", err)
	}
	if len(file.Sectors) == 0 {
		return nil, fmt.Errorf("sector catalog is empty")
	}

	sectors := make(map[string]domain.Sector, len(file.Sectors))
	ids := make([]string, 0, len(file.Sectors))
	for i, s := range file.Sectors {
		s.ID = strings.TrimSpace(strings.ToLower(s.ID))
		if s.ID == "" {
			return nil, fmt.Errorf("sector #%d: id is required", i)
		}
		if s.Name == "" {
			return nil, fmt.Errorf("sector %q: name is required", s.ID)
		}
		if _, dup := sectors[s.ID]; dup {
			return nil, fmt.Errorf("sector %q: duplicate id", s.ID)
		}
		if err := validateThresholds(s); err != nil {
			return nil, fmt.Errorf("sector %q: %w", s.ID, err)
		}
		sectors[s.ID] = s
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)

	fallbackID := strings.TrimSpace(strings.ToLower(file.Default))
	if fallbackID == "" {
		fallbackID = ids[0]
	}
	fallback, ok := sectors[fallbackID]
	if !ok {
		return nil, fmt.Errorf("default sector %q is not defined", fallbackID)
	}

	return &Catalog{sectors: sectors, fallback: fallback, ids: ids}, nil
}

func validateThresholds(s domain.Sector) error {
	if s.AcceptThreshold <= 0 || s.AcceptThreshold > 1 {
		return fmt.Errorf("accept_threshold must be in (0,1], got %v", s.AcceptThreshold)
	}
	if s.RejectThreshold < 0 || s.RejectThreshold >= 1 {
		return fmt.Errorf("reject_threshold must be in [0,1), got %v", s.RejectThreshold)
	}
	if s.RejectThreshold >= s.AcceptThreshold {
		return fmt.Errorf("reject_threshold %v must be below accept_threshold %v", s.RejectThreshold, s.AcceptThreshold)
	}
	return nil
}

// Lookup returns the sector with the given id.
func (c *Catalog) Lookup(id string) (domain.Sector, error) {
	s, ok := c.sectors[strings.TrimSpace(strings.ToLower(id))]
	if !ok {
		return domain.Sector{}, domain.WrapError(domain.ErrInvalidInput, "sector.lookup",
			fmt.Errorf("unknown sector %q", id))
	}
	return s, nil
}

// Default returns the catalog's fallback sector, used to score
// free-text term searches that name no sector.
func (c *Catalog) Default() domain.Sector {
	return c.fallback
}

// IDs lists all sector ids in sorted order.
func (c *Catalog) IDs() []string {
	out := make([]string, len(c.ids))
	copy(out, c.ids)
	return out
}
