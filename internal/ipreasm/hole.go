package ipreasm

// hole is an RFC 815 hole: [first, last) is the still-missing byte range.
// last == maxHoleEnd stands in for infinity, the open tail hole every fresh
// group starts with.
type hole struct {
	first, last uint32
}

const maxHoleEnd = ^uint32(0)
