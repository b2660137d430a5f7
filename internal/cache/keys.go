package cache

const (
	DefaultPrefix = "datatracker:"

	KeyHistory = "history"
	KeyTracks  = "tracks"
)
