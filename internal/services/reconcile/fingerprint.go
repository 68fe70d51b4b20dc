package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
)

// bucketSize is the dedup window: at most one signal per
// (symbol, type, strategy) within a bucket.
const bucketSize = 5 * time.Minute

// Fingerprint builds the dedup hash for a signal. Two calls for the same
// symbol and type within the same 5-minute bucket yield identical values.
func Fingerprint(symbol string, sigType models.SignalType, strategyID string, at time.Time) string {
	bucket := at.UTC().Truncate(bucketSize).Unix()
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", symbol, sigType, strategyID, bucket)))
	return hex.EncodeToString(h[:])[:16]
}
