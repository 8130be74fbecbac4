package asynq

const (
	// CollectionFullTask runs one full sync pass for a single source.
	CollectionFullTask = "collection:full"
)
