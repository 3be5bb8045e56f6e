package kafka

// Topic definitions for Kafka event streaming
const (
	// Ingestion events
	TopicPricesIngested = "mandi.prices.ingested"
)
