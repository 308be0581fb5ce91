// Package recipients manages the ordered recipient list of a multi-send.
//
// Every function returns a new slice and leaves its input untouched, so
// callers can keep older snapshots around.
package recipients

import (
	"fmt"
	"strconv"

	"multisend/pkg/models"
)

// Field names a mutable recipient field.
type Field string

const (
	FieldAddress Field = "address"
	FieldAmount  Field = "amount"
	FieldStatus  Field = "status"
	FieldTxHash  Field = "txHash"
)

// ParseField maps a wire name to a Field.
func ParseField(s string) (Field, error) {
	switch f := Field(s); f {
	case FieldAddress, FieldAmount, FieldStatus, FieldTxHash:
		return f, nil
	}
	return "", fmt.Errorf("unknown recipient field %q", s)
}

// Reset returns the canonical two-entry empty list.
func Reset() []models.Recipient {
	return []models.Recipient{
		{ID: "1", Status: models.StatusInitial},
		{ID: "2", Status: models.StatusInitial},
	}
}

// Add appends an empty recipient. Its id is one past the highest numeric
// id in the list, which is len+1 for lists built by Add and Reset alone.
func Add(list []models.Recipient) []models.Recipient {
	out := clone(list, 1)
	return append(out, models.Recipient{ID: nextID(list), Status: models.StatusInitial})
}

func nextID(list []models.Recipient) string {
	next := len(list) + 1
	for _, r := range list {
		if n, err := strconv.Atoi(r.ID); err == nil && n >= next {
			next = n + 1
		}
	}
	return strconv.Itoa(next)
}

// Remove drops the recipient with id. The last remaining entry is never
// removed.
func Remove(list []models.Recipient, id string) []models.Recipient {
	if len(list) <= 1 {
		return clone(list, 0)
	}
	out := make([]models.Recipient, 0, len(list))
	for _, r := range list {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

// Update replaces one field of the recipient with id.
func Update(list []models.Recipient, id string, field Field, value string) []models.Recipient {
	return replace(list, func(r models.Recipient) (models.Recipient, bool) {
		if r.ID != id {
			return r, false
		}
		switch field {
		case FieldAddress:
			r.Address = value
		case FieldAmount:
			r.Amount = value
		case FieldStatus:
			r.Status = models.RecipientStatus(value)
		case FieldTxHash:
			r.TxHash = value
		}
		return r, true
	})
}

// SetStatus sets the status of one recipient. An empty txHash keeps the
// previous hash.
func SetStatus(list []models.Recipient, id string, status models.RecipientStatus, txHash string) []models.Recipient {
	return SetStatusAll(list, []string{id}, status, txHash)
}

// SetStatusAll sets the same status and hash on every recipient in ids.
func SetStatusAll(list []models.Recipient, ids []string, status models.RecipientStatus, txHash string) []models.Recipient {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return replace(list, func(r models.Recipient) (models.Recipient, bool) {
		if _, ok := set[r.ID]; !ok {
			return r, false
		}
		r.Status = status
		if txHash != "" {
			r.TxHash = txHash
		}
		return r, true
	})
}

// ClearStatus puts every recipient back to initial and drops its hash.
func ClearStatus(list []models.Recipient) []models.Recipient {
	return replace(list, func(r models.Recipient) (models.Recipient, bool) {
		r.Status = models.StatusInitial
		r.TxHash = ""
		return r, true
	})
}

// IDs lists the ids of list in order.
func IDs(list []models.Recipient) []string {
	ids := make([]string, len(list))
	for i, r := range list {
		ids[i] = r.ID
	}
	return ids
}

// Find returns the recipient with id.
func Find(list []models.Recipient, id string) (models.Recipient, bool) {
	for _, r := range list {
		if r.ID == id {
			return r, true
		}
	}
	return models.Recipient{}, false
}

func replace(list []models.Recipient, fn func(models.Recipient) (models.Recipient, bool)) []models.Recipient {
	out := make([]models.Recipient, len(list))
	for i, r := range list {
		if updated, ok := fn(r); ok {
			out[i] = updated
			continue
		}
		out[i] = r
	}
	return out
}

func clone(list []models.Recipient, extra int) []models.Recipient {
	out := make([]models.Recipient, len(list), len(list)+extra)
	copy(out, list)
	return out
}
