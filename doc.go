// Package sharedmap is a parent-owned, multi-reader replicated key-value store.
//
// Exactly one [Map] per shared data key is the parent:
// it loads the document from an [smstore.Store], accepts writes,
// persists them with a debounce, and publishes the entire document
// through an [smbcast.Publisher] after every change.
// Any number of child maps read the same key through an [smbcast.Subscriber].
// Children never write; they replace their copy wholesale
// whenever a new snapshot is delivered.
//
// Because every delivery is a full snapshot rather than a delta,
// a child that misses intermediate deliveries still converges
// on the next one.
//
// Reads ([*Map.Get], [*Map.Has], [*Map.Contains]) never block.
// [*Map.Ready] blocks until the map is first populated,
// or reports the load failure that prevents it from ever being populated.
package sharedmap
