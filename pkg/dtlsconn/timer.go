package dtlsconn

import (
	"fmt"
	"time"

	"github.com/arzzra/dtls_gw/pkg/timed"
)

// timerToken идентичность одной постановки таймера. Сработавший таймер
// действует, только если его токен все еще записан в соединении.
type timerToken struct {
	task timed.Task
}

// checkTimer приводит таймер в соответствие со сроком движка:
// срок есть и таймер есть - оставить; срок есть, таймера нет - поставить;
// срока нет, таймер есть - снять.
func (c *Conn) checkTimer() error {
	deadline, pending := c.engine.Deadline()

	switch {
	case pending && c.timer == nil:
		strm, ok := c.dir.Lookup(c.encID)
		if !ok {
			return fmt.Errorf("%w: таймер не к чему привязать", ErrStreamGone)
		}
		tok := &timerToken{}
		task, err := c.sched.Schedule(deadline, strm.Context(), func(now time.Time) {
			c.onTimeout(tok, now)
		})
		if err != nil {
			return fmt.Errorf("не удалось поставить таймер повторной передачи: %w", err)
		}
		tok.task = task
		c.timer = tok
	case !pending && c.timer != nil:
		c.cancelTimer()
	}
	return nil
}

func (c *Conn) cancelTimer() {
	if c.timer == nil {
		return
	}
	if c.timer.task != nil {
		c.timer.task.Cancel()
	}
	c.timer = nil
}

// onTimeout вызывается в горутине таймера
func (c *Conn) onTimeout(tok *timerToken, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timer != tok {
		// таймер уже переставлен или снят
		return
	}
	c.timer = nil

	if c.state() != StateConnecting {
		return
	}
	if err := c.engine.HandleTimeout(now); err != nil {
		c.goDead(err)
		return
	}
	_ = c.step()
}
