// Package smfile carries broadcast channel deliveries between processes
// on the same machine through a shared directory.
//
// The parent runs an [Exporter], which follows a hub's change stream
// and atomically replaces one snapshot file per namespace key.
// Each child runs a [Watcher], which observes the directory with fsnotify
// and implements [smbcast.Subscriber].
package smfile
