package recorder

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidEntityID indicates an identifier that does not follow the type_exchange_code layout.
var ErrInvalidEntityID = errors.New("recorder: invalid entity id")

// Common entity types.
const (
	EntityStock = "stock"
	EntityIndex = "index"
	EntityBlock = "block"
	EntityCoin  = "coin"
)

// Entity is a trackable subject such as a stock, an index or a sector block.
type Entity struct {
	ID       string    `json:"id" msgpack:"id"`
	Type     string    `json:"entity_type" msgpack:"entity_type"`
	Exchange string    `json:"exchange" msgpack:"exchange"`
	Code     string    `json:"code" msgpack:"code"`
	Name     string    `json:"name" msgpack:"name"`
	ListDate time.Time `json:"list_date" msgpack:"list_date"` // zero when unknown
	EndDate  time.Time `json:"end_date" msgpack:"end_date"`   // zero while listed
	Category string    `json:"category,omitempty" msgpack:"category,omitempty"`
}

// EntityID builds the canonical identifier, e.g. stock_cn_000338.
func EntityID(entityType, exchange, code string) string {
	return fmt.Sprintf("%s_%s_%s",
		strings.ToLower(strings.TrimSpace(entityType)),
		strings.ToLower(strings.TrimSpace(exchange)),
		strings.TrimSpace(code))
}

// ParseEntityID splits an identifier into type, exchange and code.
// The code keeps any further underscores.
func ParseEntityID(id string) (entityType, exchange, code string, err error) {
	parts := strings.SplitN(strings.TrimSpace(id), "_", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrInvalidEntityID, id)
	}
	return parts[0], parts[1], parts[2], nil
}

// NewEntity fills the identifier and normalises casing.
func NewEntity(entityType, exchange, code, name string) Entity {
	return Entity{
		ID:       EntityID(entityType, exchange, code),
		Type:     strings.ToLower(strings.TrimSpace(entityType)),
		Exchange: strings.ToLower(strings.TrimSpace(exchange)),
		Code:     strings.TrimSpace(code),
		Name:     strings.TrimSpace(name),
	}
}

// Validate checks the entity is addressable.
func (e Entity) Validate() error {
	t, ex, code, err := ParseEntityID(e.ID)
	if err != nil {
		return err
	}
	if e.Type != "" && e.Type != t {
		return fmt.Errorf("%w: %s declares type %q", ErrInvalidEntityID, e.ID, e.Type)
	}
	if e.Exchange != "" && e.Exchange != ex {
		return fmt.Errorf("%w: %s declares exchange %q", ErrInvalidEntityID, e.ID, e.Exchange)
	}
	if e.Code != "" && e.Code != code {
		return fmt.Errorf("%w: %s declares code %q", ErrInvalidEntityID, e.ID, e.Code)
	}
	return nil
}

// Filter selects entities from a catalog. Empty fields do not constrain the result.
type Filter struct {
	EntityType string
	Exchanges  []string
	Codes      []string
	EntityIDs  []string
}

// Match reports whether e passes every configured constraint.
func (f Filter) Match(e Entity) bool {
	if f.EntityType != "" && !strings.EqualFold(f.EntityType, e.Type) {
		return false
	}
	if len(f.Exchanges) > 0 && !containsFold(f.Exchanges, e.Exchange) {
		return false
	}
	if len(f.Codes) > 0 && !contains(f.Codes, e.Code) {
		return false
	}
	if len(f.EntityIDs) > 0 && !contains(f.EntityIDs, e.ID) {
		return false
	}
	return true
}

// ApplyFilter returns the entities matching f sorted by ID.
func ApplyFilter(entities []Entity, f Filter) []Entity {
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if strings.TrimSpace(candidate) == v {
			return true
		}
	}
	return false
}

func containsFold(values []string, v string) bool {
	for _, candidate := range values {
		if strings.EqualFold(strings.TrimSpace(candidate), v) {
			return true
		}
	}
	return false
}
