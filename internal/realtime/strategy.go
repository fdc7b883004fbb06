package realtime

// Strategy is the per-collection policy trading server memory and bandwidth
// against diffing precision.
type Strategy struct {
	// UseDummyDocumentView skips per-field precedence tracking and always
	// republishes the most recent writer's value.
	UseDummyDocumentView bool

	// UseCollectionView merges events across subscriptions through a
	// CollectionView. When false, each subscription's events are forwarded
	// to the client as-is.
	UseCollectionView bool

	// DoAccountingForCollection tracks the document ids each subscription
	// asserts, so teardown can emit a correct removed burst.
	DoAccountingForCollection bool
}

// Built-in strategies, from most to least precise.
var (
	// StrategyMergeBox is the default: full per-field precedence merging.
	StrategyMergeBox = Strategy{
		UseDummyDocumentView:      false,
		UseCollectionView:         true,
		DoAccountingForCollection: true,
	}

	// StrategyDummyMerge merges document membership across subscriptions but
	// forgoes field precedence, republishing the latest writer's values.
	StrategyDummyMerge = Strategy{
		UseDummyDocumentView:      true,
		UseCollectionView:         true,
		DoAccountingForCollection: true,
	}

	// StrategyNoMerge forwards raw per-subscription events but still tracks
	// ids so stopping a subscription removes its documents.
	StrategyNoMerge = Strategy{
		UseDummyDocumentView:      false,
		UseCollectionView:         false,
		DoAccountingForCollection: true,
	}

	// StrategyNoMergeNoHistory forwards raw events with no bookkeeping at
	// all; suited to insert-mostly streams the client is expected to drain.
	StrategyNoMergeNoHistory = Strategy{
		UseDummyDocumentView:      false,
		UseCollectionView:         false,
		DoAccountingForCollection: false,
	}
)
