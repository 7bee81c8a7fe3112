package services

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledgertx/backend/internal/models"
)

// EncodeCursor renders a keyset as base64url("<unix nanos>:<uuid>").
func EncodeCursor(k models.Keyset) string {
	raw := strconv.FormatInt(k.Timestamp.UnixNano(), 10) + ":" + k.ID.String()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor. Anything malformed decodes to absent.
func DecodeCursor(cursor string) (models.Keyset, bool) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return models.Keyset{}, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(cursor, "="))
	if err != nil {
		return models.Keyset{}, false
	}
	nanos, id, ok := strings.Cut(string(raw), ":")
	if !ok {
		return models.Keyset{}, false
	}
	ns, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return models.Keyset{}, false
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return models.Keyset{}, false
	}
	return models.Keyset{Timestamp: time.Unix(0, ns).UTC(), ID: parsed}, true
}
