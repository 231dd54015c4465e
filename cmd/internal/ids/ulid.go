// Package ids provides identifier primitives shared by courier components.
package ids

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TempPrefix marks locally generated message ids. Server ids never carry it.
const TempPrefix = "tmp_"

// NewULID returns a new ULID string (26 chars).
// ULIDs sort by creation time, which keeps retry-queue dumps readable.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewTempID returns a temporary message id outside the server id space.
func NewTempID() string {
	return TempPrefix + uuid.NewString()
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}
