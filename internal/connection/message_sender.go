package connection

import (
	"bufio"
	"context"
	"time"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/fcp"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/logger"
)

// drainTimeout bounds how long a closing session keeps writing queued messages.
const drainTimeout = 5 * time.Second

// runSender is the single consumer of the session queue. It drains the queue after Close and
// exits on the first write error.
func (s *Session) runSender() {
	defer close(s.senderDone)
	w := bufio.NewWriter(s.conn)
	for {
		msg, ok := s.queue.Pop()
		if !ok {
			_ = w.Flush()
			return
		}
		if err := fcp.WriteMessage(w, msg); err != nil {
			s.senderFailed(err)
			return
		}
		logger.DebugF("[%s] Send %s message to client", s.id, msg.Name)
		// batch whatever is already queued into one write
		if s.queue.Len() > 0 {
			continue
		}
		if err := w.Flush(); err != nil {
			s.senderFailed(err)
			return
		}
	}
}

func (s *Session) senderFailed(err error) {
	if !IsNetClosedError(err) {
		logger.ErrorF("[%s] Fail to send data, details: %v", s.id, err)
	}
	s.queue.Close()
	go s.Close(context.Background())
}
