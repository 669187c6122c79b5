package ebml

import (
	"fmt"
	"strings"
)

// Names of the elements the relay makes structural decisions on.
const (
	NameEBML    = "EBML"
	NameSegment = "Segment"
	NameCluster = "Cluster"
)

var elementNames = map[string]string{
	"\x1A\x45\xDF\xA3": "EBML",
	"\x18\x53\x80\x67": "Segment",
	"\x1F\x43\xB6\x75": "Cluster",
	"\xA3":             "SimpleBlock",
	"\x42\x86":         "EBMLVersion",
	"\x42\xF7":         "EBMLReadVersion",
	"\x42\xF2":         "EBMLMaxIDLength",
	"\x42\xF3":         "EBMLMaxSizeLength",
	"\x42\x82":         "DocType",
	"\x42\x87":         "DocTypeVersion",
	"\x42\x85":         "DocTypeReadVersion",
	"\x11\x4D\x9B\x74": "SeekHead",
	"\xEC":             "Void",
	"\x16\x54\xAE\x6B": "Tracks",
	"\x12\x54\xC3\x67": "Tags",
	"\x15\x49\xA9\x66": "Info",
	"\xE7":             "Timecode",
	"\x1C\x53\xBB\x6B": "Cues",
	"\x2A\xD7\xB1":     "TimecodeScale",
	"\x4D\x80":         "MuxingApp",
	"\x44\x89":         "Duration",
	"\x57\x41":         "WritingApp",
	"\x73\xA4":         "SegmentUID",
	"\x73\x73":         "Tag",
	"\x63\xC0":         "Targets",
	"\x67\xC8":         "SimpleTag",
	"\x63\xC5":         "TagTrackUID",
	"\x44\x87":         "TagString",
	"\x45\xA3":         "TagName",
	"\x4D\xBB":         "Seek",
	"\x53\xAB":         "SeekID",
	"\x53\xAC":         "SeekPosition",
	"\xAE":             "TrackEntry",
	"\xD7":             "TrackNumber",
	"\x73\xC5":         "TrackUID",
	"\x9C":             "FlagLacing",
	"\x22\xB5\x9C":     "Language",
	"\x86":             "CodecID",
	"\x83":             "TrackType",
	"\x23\xE3\x83":     "DefaultDuration",
	"\xE0":             "Video",
	"\xE1":             "Audio",
	"\x63\xA2":         "CodecPrivate",
	"\xBF":             "CRC-32",
}

var masterElements = map[string]bool{
	"EBML":       true,
	"Segment":    true,
	"Cluster":    true,
	"Info":       true,
	"Tags":       true,
	"Tag":        true,
	"Targets":    true,
	"SimpleTag":  true,
	"SeekHead":   true,
	"Seek":       true,
	"Tracks":     true,
	"TrackEntry": true,
}

// NameOf looks up an element ID given as raw bytes.
func NameOf(id []byte) string {
	if name, ok := elementNames[string(id)]; ok {
		return name
	}
	var b strings.Builder
	for _, c := range id {
		fmt.Fprintf(&b, "[%02X]", c)
	}
	return b.String()
}

// IsMaster reports whether the named element contains child elements rather
// than a raw payload.
func IsMaster(name string) bool {
	return masterElements[name]
}
