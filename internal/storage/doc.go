// Package storage holds the documents indexed by one replica core.
//
// Writes are versioned and buffered. Add and Delete record the highest
// version seen for a document id and reject anything older, so updates that
// a leader sends to a follower can arrive late without undoing newer ones.
// Nothing is visible to Get or List until Commit runs.
//
// Example:
//
//	s := storage.NewMemoryStore()
//	v, _ := s.Add("book-1", []byte(`{"id":"book-1"}`), 0)
//	s.Commit()
//	doc, version, err := s.Get("book-1")
//
// MemoryStore keeps everything in maps guarded by a sync.RWMutex and copies
// values on the way in and out.
package storage
