// Package identity cross-references contact aliases to resolve display names.
package identity

import (
	"strings"

	"github.com/matheus3301/warchive/internal/store"
	"go.uber.org/zap"
)

// Resolver backfills message sender names from the contact table and
// computes the alias-to-name projection used by read queries.
type Resolver struct {
	db     *store.DB
	logger *zap.Logger
}

// NewResolver creates a resolver over the given store.
func NewResolver(db *store.DB, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{db: db, logger: logger}
}

// BackfillResult reports the outcome of a backfill pass.
type BackfillResult struct {
	Candidates int `json:"candidates"`
	Resolved   int `json:"resolved"`
}

// BackfillSenderNames finds every sender alias that has no usable display
// name on any of its messages, resolves the best name for the alias through
// the contact table, and writes it onto every currently-unnamed message from
// that alias.
//
// This is a deferred batch pass rather than a per-message lookup: contact
// records routinely arrive after the messages that need them, so resolving
// eagerly during ingestion would miss most names. Running it again after no
// new data is a no-op.
func (r *Resolver) BackfillSenderNames() (*BackfillResult, error) {
	senderNames, err := r.db.SenderNames()
	if err != nil {
		return nil, err
	}

	contacts, err := r.db.AllContacts()
	if err != nil {
		return nil, err
	}

	res := &BackfillResult{}
	for alias, names := range senderNames {
		if hasUsable(names) {
			continue
		}
		res.Candidates++

		name, ok := lookupName(contacts, alias)
		if !ok {
			continue
		}
		n, err := r.db.FillSenderNames(alias, name)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			res.Resolved++
			r.logger.Debug("backfilled sender name",
				zap.String("alias", alias),
				zap.String("name", name),
				zap.Int64("messages", n))
		}
	}

	r.logger.Info("sender name backfill finished",
		zap.Int("candidates", res.Candidates),
		zap.Int("resolved", res.Resolved))
	return res, nil
}

// AliasMap returns, for every contact with a usable name, one entry per
// known alias (primary JID, phone alias, secondary alias) pointing at that
// name. Aliases equal to the primary key appear once.
func (r *Resolver) AliasMap() (map[string]string, error) {
	contacts, err := r.db.AllContacts()
	if err != nil {
		return nil, err
	}

	m := make(map[string]string)
	for i := range contacts {
		c := &contacts[i]
		name, ok := bestName(c)
		if !ok {
			continue
		}
		m[c.JID] = name
		for _, alias := range []*string{c.PhoneNumber, c.LID} {
			if alias != nil && *alias != "" && *alias != c.JID {
				m[*alias] = name
			}
		}
	}
	return m, nil
}

// lookupName probes the contact table on three dimensions in order:
// direct alias match, phone-alias cross-reference, secondary-alias
// cross-reference. The alias local part (before "@") is also matched so a
// phone alias stored as a bare number still cross-references a full JID.
func lookupName(contacts []store.Contact, alias string) (string, bool) {
	local := localPart(alias)

	for i := range contacts {
		if contacts[i].JID == alias {
			if name, ok := bestName(&contacts[i]); ok {
				return name, true
			}
		}
	}
	for i := range contacts {
		if matchesAlias(contacts[i].PhoneNumber, alias, local) {
			if name, ok := bestName(&contacts[i]); ok {
				return name, true
			}
		}
	}
	for i := range contacts {
		if matchesAlias(contacts[i].LID, alias, local) {
			if name, ok := bestName(&contacts[i]); ok {
				return name, true
			}
		}
	}
	return "", false
}

func matchesAlias(stored *string, alias, local string) bool {
	if stored == nil || *stored == "" {
		return false
	}
	return *stored == alias || localPart(*stored) == local
}

// bestName returns a contact's best usable display name, probing the
// verified, given and push names in decreasing order of trust.
func bestName(c *store.Contact) (string, bool) {
	for _, candidate := range []*string{c.Name, c.VerifiedName, c.PushName} {
		if candidate != nil && Usable(*candidate) {
			return *candidate, true
		}
	}
	return "", false
}

func hasUsable(names []string) bool {
	for _, n := range names {
		if Usable(n) {
			return true
		}
	}
	return false
}

// Usable reports whether a string works as a display name: non-empty, not a
// lone placeholder character, and not purely a phone number. A bare number
// is an alias, not a name.
func Usable(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	if len(name) == 1 && strings.ContainsAny(name, ".-_+~") {
		return false
	}
	digits := strings.Map(func(r rune) rune {
		if r == ' ' || r == '+' || r == '-' || r == '(' || r == ')' {
			return -1
		}
		return r
	}, name)
	if digits != "" && strings.Trim(digits, "0123456789") == "" {
		return false
	}
	return true
}

func localPart(alias string) string {
	if i := strings.IndexByte(alias, '@'); i >= 0 {
		return alias[:i]
	}
	return alias
}
