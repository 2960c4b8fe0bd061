package tegro

import (
	"strconv"
	"sync"
	"time"

	"github.com/coachpo/tegrolink/internal/domain/schema"
)

// orderIDGenerator mints client order ids: HB, 00 for buys or 01 for sells, then a nonce.
type orderIDGenerator struct {
	mu    sync.Mutex
	last  int64
	clock func() time.Time
}

func newOrderIDGenerator(clock func() time.Time) *orderIDGenerator {
	if clock == nil {
		clock = time.Now
	}
	return &orderIDGenerator{clock: clock}
}

func (g *orderIDGenerator) next(side schema.TradeSide) string {
	g.mu.Lock()
	nonce := g.clock().UnixMicro()
	if nonce <= g.last {
		nonce = g.last + 1
	}
	g.last = nonce
	g.mu.Unlock()

	sideCode := "00"
	if side == schema.TradeSideSell {
		sideCode = "01"
	}
	id := orderIDPrefix + sideCode + strconv.FormatInt(nonce, 10)
	if len(id) > maxOrderIDLength {
		id = id[:maxOrderIDLength]
	}
	return id
}
