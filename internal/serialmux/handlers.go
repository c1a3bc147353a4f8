package serialmux

import (
	"context"
	"log"
)

// LogControllerEvents subscribes to m and logs the unsolicited lines an
// operator cares about (alarms, messages and reset banners) until ctx is
// done. onAlarm, if set, is called with every alarm line.
func LogControllerEvents(ctx context.Context, m SerialMuxInterface, onAlarm func(string)) {
	id, lines := m.Subscribe()
	defer m.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch ClassifyLine(line) {
			case LineAlarm:
				log.Printf("[motion] controller alarm: %s", line)
				if onAlarm != nil {
					onAlarm(line)
				}
			case LineMessage:
				log.Printf("[motion] controller message: %s", line)
			case LineBanner:
				log.Printf("[motion] controller reset: %s", line)
			}
		}
	}
}
