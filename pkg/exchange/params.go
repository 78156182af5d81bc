package exchange

// DefaultContextPoolSize bounds the number of concurrent exchange contexts a
// Manager keeps alive at once (ExchangeContextPool / ErrContextPoolFull in
// the original implementation).
const DefaultContextPoolSize = 16

// MaxRetrans is the maximum number of WRMP retransmission attempts before a
// message is considered undeliverable (ExecuteActions / MessageNotAcknowledged
// in the original implementation).
const MaxRetrans = 4

// MaxConcurrentExchangesPerPeer is the recommended ceiling on concurrent
// exchanges with a single peer, keeping the per-key message counter window
// from being exhausted too quickly.
const MaxConcurrentExchangesPerPeer = 5
