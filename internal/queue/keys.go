package queue

import "github.com/SirClappington/botq/internal/domain"

// Key layout, all under a configurable prefix (default "botq:"):
//
//	job:{id}          hash with the job record
//	pending:{class}   zset of visible-at (ms) per priority class
//	leased            zset of lease expiry (ms)
//	terminal          zset of completed_at (ms), drives retention
//	reaped            list of ids failed by lease expiry, awaiting status reconciliation
//
// Scripts derive job keys from the prefix at run time instead of declaring
// them in KEYS, so the queue needs a single Redis node, not Redis Cluster.
type keys struct{ prefix string }

func (k keys) job(id string) string             { return k.prefix + "job:" + id }
func (k keys) pending(p domain.Priority) string { return k.prefix + "pending:" + string(p) }
func (k keys) leased() string                   { return k.prefix + "leased" }
func (k keys) terminal() string                 { return k.prefix + "terminal" }
func (k keys) reaped() string                   { return k.prefix + "reaped" }
