package outbox

import (
	"crypto/sha256"
	"fmt"

	"github.com/Rajchodisetti/dip-scalper/internal/market"
)

// IdempotencyKey derives a stable client order id for a request that did
// not carry one, so a retried submission maps to the same journal entry.
func IdempotencyKey(req market.OrderRequest) string {
	px := "mkt"
	if req.LimitPrice != nil {
		px = req.LimitPrice.String()
	}
	data := fmt.Sprintf("%s-%s-%s-%s-%s", req.Symbol, req.Side, req.Type, req.Qty, px)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("paper-%x", hash[:8])
}
