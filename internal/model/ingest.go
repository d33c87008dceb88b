package model

// FileEvent reports one entry created inside a watched directory.
// Path is already resolved against the watched directory.
type FileEvent struct {
	Name string
	Path string
}

// WatchTarget is one watcher's scope: a directory, the key pattern applied to
// every record found there, and the collector endpoint records are sent to.
type WatchTarget struct {
	Name          string
	Directory     string
	FilterPattern string
	ServerURL     string
}
