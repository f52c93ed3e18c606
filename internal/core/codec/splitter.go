package codec

import "encoding/binary"

const (
	// minDocumentSize is the empty BSON document: length prefix + terminator.
	minDocumentSize = 5
	// DefaultMaxRecordSize is the BSON document size limit.
	DefaultMaxRecordSize = 16 * 1024 * 1024
)

func documentLength(b []byte) int {
	return int(int32(binary.LittleEndian.Uint32(b[:4])))
}

// Splitter reassembles records from a byte stream using the length prefix
// every BSON document starts with. Transports that deliver whole messages
// pass through unchanged; fragmented writes are joined.
//
// A Splitter is owned by the single reader of one peer stream.
type Splitter struct {
	buf     []byte
	maxSize int
}

func NewSplitter(maxSize int) *Splitter {
	if maxSize <= 0 {
		maxSize = DefaultMaxRecordSize
	}
	return &Splitter{maxSize: maxSize}
}

// Feed appends p and returns every complete document now available. On a
// bad length prefix the buffered bytes are discarded, the documents completed
// before it are still returned, and the error matches
// domain.ErrMalformedRecord.
func (s *Splitter) Feed(p []byte) ([][]byte, error) {
	s.buf = append(s.buf, p...)

	var docs [][]byte
	for len(s.buf) >= 4 {
		n := documentLength(s.buf)
		if n < minDocumentSize || n > s.maxSize {
			s.buf = nil
			return docs, malformed("declared record length %d outside [%d, %d]", n, minDocumentSize, s.maxSize)
		}
		if len(s.buf) < n {
			break
		}
		doc := make([]byte, n)
		copy(doc, s.buf[:n])
		docs = append(docs, doc)
		s.buf = s.buf[n:]
	}

	if len(s.buf) == 0 {
		s.buf = nil
	}
	return docs, nil
}

// Buffered returns the number of bytes waiting for the rest of a record.
func (s *Splitter) Buffered() int {
	return len(s.buf)
}

// Reset drops any partial record.
func (s *Splitter) Reset() {
	s.buf = nil
}
