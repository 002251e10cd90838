package zmsg

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// missedIntervals is how many ping intervals may pass without inbound
// traffic before the peer is declared dead.
const missedIntervals = 3

// monitor pings the peer every PingInterval and tears the connection down
// once it stayed silent for more than missedIntervals intervals.
func (c *Connection) monitor() {
	interval := c.config.PingInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			idle := now.Sub(c.LastActivity())
			if idle > missedIntervals*interval {
				l.Warn("zmsg: peer silent", c.logID(), zap.Duration("idle", idle))
				c.teardown(newError(KindTransport, "liveness", fmt.Errorf("no inbound traffic for %v", idle)))
				return
			}
			if err := c.sendKeepalive(PingRequest); err != nil {
				return
			}
		}
	}
}
