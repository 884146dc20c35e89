package chat

import (
	"fmt"
	"strings"
)

// keySeparator joins the two participant ids. The identity provider's id
// alphabet never contains it, which keeps keys injective over unordered
// pairs without a lookup table.
const keySeparator = "_"

// Key identifies the two-party channel between two users. It is derived,
// never stored on its own: ResolveKey(a, b) == ResolveKey(b, a) for all
// valid pairs.
type Key string

// ResolveKey derives the canonical key for the unordered pair (a, b).
func ResolveKey(a, b string) (Key, error) {
	if a == "" || b == "" {
		return "", fmt.Errorf("%w: empty participant id", ErrInvalidInput)
	}
	if strings.Contains(a, keySeparator) || strings.Contains(b, keySeparator) {
		return "", fmt.Errorf("%w: participant id contains reserved separator", ErrInvalidInput)
	}
	if a == b {
		return "", fmt.Errorf("%w: participants must differ", ErrInvalidInput)
	}

	if b < a {
		a, b = b, a
	}

	return Key(a + keySeparator + b), nil
}

// Participants returns the two participant ids in lexicographic order.
func (k Key) Participants() (string, string) {
	parts := strings.SplitN(string(k), keySeparator, 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

// Has reports whether userId is one of the key's two participants.
func (k Key) Has(userId string) bool {
	a, b := k.Participants()
	return userId != "" && (userId == a || userId == b)
}

// Other returns the counterpart of userId within the key.
func (k Key) Other(userId string) (string, bool) {
	a, b := k.Participants()
	switch userId {
	case a:
		return b, true
	case b:
		return a, true
	default:
		return "", false
	}
}

func (k Key) String() string {
	return string(k)
}
