// Package smpubsub holds the in-process delivery primitive
// shared by the broadcast hubs and the map update stream.
//
// A [Stream] has a single publisher and any number of readers,
// each reading every value in publish order at its own pace,
// with no registration or unsubscription step.
package smpubsub
