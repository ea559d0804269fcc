package dialogue

import (
	"context"

	"github.com/MrWong99/parley/internal/protocol"
)

// Sink is the outbound side of a device connection.
//
// Implementations serialize writes; Alive must be cheap because the pacer
// checks it before every frame.
type Sink interface {
	SendMessage(ctx context.Context, msg protocol.Outbound) error
	SendAudio(ctx context.Context, frame []byte) error
	Alive() bool
}
