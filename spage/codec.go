package spage

import "docengine/engineerr"

// Page is satisfied by *LeafPage and *InternalPage, letting callers
// that only need the type tag (e.g. the btree package descending
// through a fetched block) avoid a type switch until they actually
// need leaf- or internal-specific operations.
type Page interface {
	Bytes() []byte
	Count() int
}

// Decode inspects buf's leading page_type byte and returns the
// concrete page it holds. buf must already be sized to the pager's
// page payload (spec.md §9: "tagged variant at the first byte").
func Decode(buf []byte) (Page, error) {
	if len(buf) == 0 {
		return nil, engineerr.New(engineerr.KindCorruption, "empty page buffer")
	}
	switch buf[offPageType] {
	case TypeLeaf:
		return OpenLeaf(buf)
	case TypeInternal:
		return OpenInternal(buf)
	default:
		return nil, engineerr.New(engineerr.KindCorruption, "unknown page type tag")
	}
}

// IsLeaf reports whether buf's tag byte marks it as a leaf page,
// without fully decoding it.
func IsLeaf(buf []byte) bool { return len(buf) > 0 && buf[offPageType] == TypeLeaf }
