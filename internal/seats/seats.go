// Package seats gates grab_job behind golden (permanent) and silver (expiring) seat credentials.
package seats

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/spigell/service-exchange/internal/market"
)

// Tier is the class of a seat.
type Tier string

const (
	Golden Tier = "golden"
	Silver Tier = "silver"
)

// Credential is what a provider presents with a grab_job request.
// Secret is the hex md5 of the seat phrase.
type Credential struct {
	ID     string `json:"id" mapstructure:"id"`
	Owner  string `json:"owner" mapstructure:"owner"`
	Secret string `json:"secret" mapstructure:"secret"`
}

// Seat is a single entry of the seat table.
type Seat struct {
	ID    string `yaml:"id"`
	Owner string `yaml:"owner"`
	// Either Phrase or Secret must be set; Phrase is hashed on load.
	Phrase    string    `yaml:"phrase,omitempty"`
	Secret    string    `yaml:"secret,omitempty"`
	ExpiresAt time.Time `yaml:"expires_at,omitempty"`

	tier Tier
}

// Tier returns the tier the seat was loaded under.
func (s Seat) Tier() Tier { return s.tier }

type file struct {
	Golden []Seat `yaml:"golden"`
	Silver []Seat `yaml:"silver"`
}

// Table is the seat lookup. It is safe for concurrent use and can be reloaded in place.
type Table struct {
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	seats map[string]Seat
}

// HashPhrase returns the secret a client must present for phrase.
func HashPhrase(phrase string) string {
	sum := md5.Sum([]byte(phrase))
	return hex.EncodeToString(sum[:])
}

// Load reads the seat table from a YAML file.
func Load(path string, logger *zap.Logger) (*Table, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Table{path: path, logger: logger, now: time.Now}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload re-reads the file. On failure the previous table stays in effect.
func (t *Table) Reload() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("reading seats file %q: %w", t.path, err)
	}

	seats, err := parse(data)
	if err != nil {
		return fmt.Errorf("parsing seats file %q: %w", t.path, err)
	}

	t.mu.Lock()
	t.seats = seats
	t.mu.Unlock()

	t.logger.Info("seat table loaded", zap.String("path", t.path), zap.Int("seats", len(seats)))
	return nil
}

func parse(data []byte) (map[string]Seat, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	seats := make(map[string]Seat, len(f.Golden)+len(f.Silver))
	add := func(tier Tier, list []Seat) error {
		for i, s := range list {
			s.ID = strings.TrimSpace(s.ID)
			if s.ID == "" {
				return fmt.Errorf("%s seat #%d has no id", tier, i)
			}
			if _, dup := seats[s.ID]; dup {
				return fmt.Errorf("duplicate seat id %q", s.ID)
			}
			switch {
			case s.Secret != "":
				s.Secret = strings.ToLower(strings.TrimSpace(s.Secret))
			case s.Phrase != "":
				s.Secret = HashPhrase(s.Phrase)
			default:
				return fmt.Errorf("seat %q needs a phrase or a secret", s.ID)
			}
			s.Phrase = ""
			if tier == Silver && s.ExpiresAt.IsZero() {
				return fmt.Errorf("silver seat %q needs expires_at", s.ID)
			}
			if tier == Golden {
				s.ExpiresAt = time.Time{}
			}
			s.tier = tier
			seats[s.ID] = s
		}
		return nil
	}

	if err := add(Golden, f.Golden); err != nil {
		return nil, err
	}
	if err := add(Silver, f.Silver); err != nil {
		return nil, err
	}
	return seats, nil
}

// Len returns the number of loaded seats.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.seats)
}

// Authorize checks the credential presented by provider. Every refusal is a forbidden error.
func (t *Table) Authorize(_ context.Context, provider string, cred *Credential) error {
	if cred == nil || strings.TrimSpace(cred.ID) == "" {
		return market.Errorf(market.KindForbidden, "seat credentials required")
	}

	t.mu.RLock()
	seat, ok := t.seats[strings.TrimSpace(cred.ID)]
	t.mu.RUnlock()

	if !ok {
		return market.Errorf(market.KindForbidden, "invalid seat")
	}

	secret := strings.ToLower(strings.TrimSpace(cred.Secret))
	if seat.Owner != strings.TrimSpace(cred.Owner) ||
		subtle.ConstantTimeCompare([]byte(seat.Secret), []byte(secret)) != 1 {
		t.logger.Warn("seat verification failed", zap.String("seat_id", seat.ID), zap.String("provider", provider))
		return market.Errorf(market.KindForbidden, "invalid seat")
	}

	if seat.tier == Silver && !t.now().Before(seat.ExpiresAt) {
		return market.Errorf(market.KindForbidden, "seat expired")
	}

	return nil
}
