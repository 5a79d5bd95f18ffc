// Package providers holds cross-cutting identifiers shared by every
// provider adapter: slugs, queue task names, and the agent-priority
// table current-price resolution depends on (spec §4.2, §4.5, §6.1).
package providers

// Slugs match the Provider.slug values created once per provider (spec
// §3 Provider entity: "a stable key (e.g., ps-store, steam-store,
// xbox-store, igdb)").
const (
	SlugPSStore   = "ps-store"
	SlugSteam     = "steam-store"
	SlugXbox      = "xbox-store"
	SlugIGDB      = "igdb"
	SlugNexarda   = "nexarda"
	SlugGiantBomb = "giantbomb"
	SlugRAWG      = "rawg"
	SlugTGDB      = "tgdb"
	SlugITAD      = "itad"
)

// AgentPriority resolves current_price conflicts: the highest-priority
// agent writing to an offer_jurisdiction in a batch wins, regardless of
// row order (spec §3 invariant 2, §8 testable property 3: "PS_STORE
// priority=100; other agents use lower priorities when coexisting").
const (
	AgentPriorityPSStore   = 100
	AgentPrioritySteam     = 80
	AgentPriorityXbox      = 80
	AgentPriorityNexarda   = 60
	AgentPriorityITAD      = 60
	AgentPriorityIGDB      = 20
	AgentPriorityGiantBomb = 20
	AgentPriorityRAWG      = 20
	AgentPriorityTGDB      = 20
)

// Task names are the second half of the queue handler key
// "<provider>:<task>" (spec §4.9, §6.4 unified-ingest sub-steps).
const (
	TaskCatalog   = "catalog"
	TaskPrices    = "prices"
	TaskMedia     = "media"
	TaskBackfill  = "backfill"
	TaskBootstrap = "bootstrap"
	TaskSeed      = "seed"
	TaskToplist   = "toplist"
)
