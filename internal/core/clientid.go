package core

import (
	"strings"

	"github.com/google/uuid"
)

// Client order ids are engine-tagged: a kind prefix followed by random hex.
// The prefix lets recovery classify an order found on the venue even when
// the local store has no row for it, and the whole id stays within the
// venue's 36 character cap.
const clientIDRandLen = 31

var kindPrefixes = map[OrderKind]string{
	KindEntry:      "lh-e-",
	KindTakeProfit: "lh-t-",
	KindStopLoss:   "lh-s-",
	KindClose:      "lh-c-",
}

// NewClientOrderID returns a fresh client order id tagged with the kind.
func NewClientOrderID(kind OrderKind) string {
	prefix, ok := kindPrefixes[kind]
	if !ok {
		prefix = "lh-x-"
	}
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + raw[:clientIDRandLen]
}

// OrderKindFromClientID reports the kind encoded in a client order id, and
// false for ids this engine did not create.
func OrderKindFromClientID(id string) (OrderKind, bool) {
	for kind, prefix := range kindPrefixes {
		if strings.HasPrefix(id, prefix) {
			return kind, true
		}
	}
	return "", false
}

// IsEngineClientID reports whether the id carries an engine tag.
func IsEngineClientID(id string) bool {
	_, ok := OrderKindFromClientID(id)
	return ok
}
