package seats

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/service-exchange/internal/market"
)

const phrase = "elephant lab aware runway prepare head hurdle round pudding excuse edit sibling"

func writeSeats(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "seats.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestHashPhrase(t *testing.T) {
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", HashPhrase("hello"))
}

func TestAuthorize(t *testing.T) {
	dir := t.TempDir()
	path := writeSeats(t, dir, `
golden:
  - id: RSX0000000
    owner: "@satori"
    phrase: "`+phrase+`"
silver:
  - id: RSX0000001
    owner: "@satori"
    secret: "`+HashPhrase("silver phrase")+`"
    expires_at: 2030-01-01T00:00:00Z
`)

	table, err := Load(path, nil)
	require.NoError(t, err)
	require.Equal(t, 2, table.Len())
	table.now = func() time.Time { return time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	golden := &Credential{ID: "RSX0000000", Owner: "@satori", Secret: HashPhrase(phrase)}
	silver := &Credential{ID: "RSX0000001", Owner: "@satori", Secret: HashPhrase("silver phrase")}

	assert.NoError(t, table.Authorize(ctx, "driver", golden))
	assert.NoError(t, table.Authorize(ctx, "driver", silver))

	refusals := map[string]*Credential{
		"missing":      nil,
		"empty id":     {},
		"unknown id":   {ID: "RSX9", Owner: "@satori", Secret: golden.Secret},
		"wrong owner":  {ID: "RSX0000000", Owner: "@other", Secret: golden.Secret},
		"wrong secret": {ID: "RSX0000000", Owner: "@satori", Secret: HashPhrase("nope")},
	}
	for name, cred := range refusals {
		t.Run(name, func(t *testing.T) {
			err := table.Authorize(ctx, "driver", cred)
			assert.Equal(t, market.KindForbidden, market.KindOf(err))
		})
	}

	table.now = func() time.Time { return time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC) }
	err = table.Authorize(ctx, "driver", silver)
	assert.Equal(t, market.KindForbidden, market.KindOf(err))
	assert.NoError(t, table.Authorize(ctx, "driver", golden), "golden seats never expire")
}

func TestReloadKeepsPreviousTableOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeSeats(t, dir, `
golden:
  - id: A
    owner: o
    phrase: p
`)
	table, err := Load(path, nil)
	require.NoError(t, err)

	writeSeats(t, dir, `
golden:
  - id: A
    owner: o
    phrase: p
  - id: B
    owner: o
    secret: ABCDEF
`)
	require.NoError(t, table.Reload())
	assert.Equal(t, 2, table.Len())

	writeSeats(t, dir, "golden: [")
	require.Error(t, table.Reload())
	assert.Equal(t, 2, table.Len())
}

func TestParseRejectsBadEntries(t *testing.T) {
	tests := map[string]string{
		"no id":             "golden:\n  - owner: o\n    phrase: p\n",
		"no secret":         "golden:\n  - id: A\n    owner: o\n",
		"duplicate":         "golden:\n  - id: A\n    phrase: p\n  - id: A\n    phrase: q\n",
		"silver w/o expiry": "silver:\n  - id: A\n    phrase: p\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parse([]byte(body))
			assert.Error(t, err)
		})
	}
}
