package reconcile

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SaveAlias teaches the matcher that text identifies residentID. It is an
// upsert keyed on (resident, normalized text), so concurrent "save as alias"
// clicks for the same sender converge on one row.
func SaveAlias(ctx context.Context, store AliasStore, residentID ResidentID, text, actor string, at time.Time) (Alias, error) {
	if residentID == "" {
		return Alias{}, ErrResidentRequired
	}
	normalized := NormalizeAliasText(text)
	if normalized == "" {
		return Alias{}, ErrAliasTextRequired
	}
	if actor == "" {
		actor = SystemActor
	}
	return store.UpsertAlias(ctx, Alias{
		ID:             AliasID(uuid.NewString()),
		ResidentID:     residentID,
		Text:           strings.TrimSpace(text),
		NormalizedText: normalized,
		Active:         true,
		CreatedBy:      actor,
		CreatedAt:      at,
		UpdatedAt:      at,
	})
}

// LatestAliases keeps, for each normalized text, the most recently saved
// active alias: highest Revision, then latest UpdatedAt, then CreatedAt,
// then largest ID.
func LatestAliases(aliases []Alias) map[string]Alias {
	out := make(map[string]Alias, len(aliases))
	for _, a := range aliases {
		if !a.Active {
			continue
		}
		key := a.NormalizedText
		if key == "" {
			key = NormalizeAliasText(a.Text)
		}
		prev, ok := out[key]
		if !ok || savedAfter(a, prev) {
			out[key] = a
		}
	}
	return out
}

func savedAfter(a, b Alias) bool {
	if a.Revision != b.Revision {
		return a.Revision > b.Revision
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// RegisterAlias is the directory-side alias write: it checks the resident
// exists, upserts the alias and records the audit entry in one db transaction.
func RegisterAlias(ctx context.Context, store TxStore, residentID ResidentID, text, actor string, at time.Time) (Alias, error) {
	var alias Alias
	err := store.WithTx(ctx, func(s Store) error {
		if _, err := s.GetResident(ctx, residentID); err != nil {
			return err
		}
		saved, err := SaveAlias(ctx, s, residentID, text, actor, at)
		if err != nil {
			return err
		}
		alias = saved
		return s.AppendAudit(ctx, aliasAudit(alias, at, ""))
	})
	if err != nil {
		return Alias{}, err
	}
	return alias, nil
}

func aliasAudit(alias Alias, at time.Time, fromTransaction TransactionID) AuditEntry {
	payload := map[string]any{
		"resident_id": string(alias.ResidentID),
		"alias":       alias.Text,
	}
	if fromTransaction != "" {
		payload["transaction_id"] = string(fromTransaction)
	}
	return AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  at,
		ActorID:    alias.CreatedBy,
		Action:     AuditAliasSaved,
		EntityType: "resident_payment_alias",
		EntityID:   string(alias.ID),
		Payload:    payload,
	}
}
