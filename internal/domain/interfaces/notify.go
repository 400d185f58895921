package interfaces

// ChangeKind names an entity kind for store change notifications.
type ChangeKind int

const (
	ChangeDevice ChangeKind = iota
	ChangeCrossSigning
	ChangeInboundSession
	ChangeGossipRequest
)

// Change is one store mutation notification. Key is the entity's canonical
// store key.
type Change struct {
	Kind ChangeKind
	Key  string
}

// Notifier is the explicit publish/subscribe surface the store exposes in
// place of framework-level live queries. Callbacks run synchronously on the
// mutating goroutine; subscribers must not block.
type Notifier interface {
	Subscribe(kind ChangeKind, fn func(Change)) (unsubscribe func())
}
