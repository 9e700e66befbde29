package overlay

const (
	// MessageProtocol carries one envelope and its ack per stream.
	MessageProtocol = "/unada/overlay/1.0.0"
	// DHTPrefix isolates the overlay's DHT from the public one.
	DHTPrefix = "/unada"

	// RecordNamespace is the DHT key namespace of peer records.
	RecordNamespace = "unada"
	// PresenceTopic is the gossip topic peers announce themselves on.
	PresenceTopic = "unada/presence/1.0.0"
	// RendezvousNamespace is advertised for routing-based discovery.
	RendezvousNamespace = "unada-overlay"
	// MDNSService is the local network discovery tag.
	MDNSService = "unada-edge"
)
