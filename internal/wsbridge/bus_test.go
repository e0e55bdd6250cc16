package wsbridge

import (
	"testing"
	"time"

	"github.com/ehrlich-b/tower/internal/address"
)

func TestPublishFiltersByProject(t *testing.T) {
	bus := NewMessageBus(nil)

	all := &subscriber{project: "", outbox: make(chan []byte, 4)}
	onlyW := &subscriber{project: "W", outbox: make(chan []byte, 4)}
	onlyOther := &subscriber{project: "other", outbox: make(chan []byte, 4)}

	bus.mu.Lock()
	bus.subscribers["all"] = all
	bus.subscribers["onlyW"] = onlyW
	bus.subscribers["onlyOther"] = onlyOther
	bus.mu.Unlock()

	bus.Publish(address.MessageFrame{
		Type:      "message",
		From:      address.PartyRef{Project: "W", Agent: "builder-bugfix-296"},
		To:        address.PartyRef{Project: "W", Agent: "architect"},
		Content:   "done",
		Timestamp: time.Now(),
	})

	select {
	case <-all.outbox:
	default:
		t.Error("unfiltered subscriber did not receive the frame")
	}
	select {
	case <-onlyW.outbox:
	default:
		t.Error("W-filtered subscriber did not receive the frame")
	}
	select {
	case <-onlyOther.outbox:
		t.Error("other-filtered subscriber should not have received the frame")
	default:
	}
}
