package op

// Version constants for persisted records and the engine.
const (
	// RecordVersion is the version of the persisted operation layout.
	// Bumped together with a store migration.
	RecordVersion = 3

	// EngineVersion is the offq engine version.
	EngineVersion = "0.1.0"
)
