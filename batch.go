package outboundiq

import (
	"bytes"
	"fmt"

	"github.com/cloudwego/base64x"
)

// Batch is the serialized content of one flush.
type Batch struct {
	// Records are the calls in the batch, in insertion order.
	Records []APICall
	// JSON is the JSON array of all records, in insertion order.
	JSON []byte
}

// newBatch serializes every record. If any record fails to serialize the whole batch fails.
func newBatch(records []APICall) (Batch, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, record := range records {
		data, err := record.MarshalJSON()
		if err != nil {
			return Batch{}, fmt.Errorf("encoding record %d (%s): %w", i, record.TransactionID, err)
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(data)
	}
	buf.WriteByte(']')

	return Batch{Records: records, JSON: buf.Bytes()}, nil
}

// Len returns the number of records in the batch.
func (b Batch) Len() int {
	return len(b.Records)
}

// Encoded returns the binary-safe form of the batch that is transmitted: the JSON array,
// base64 encoded.
func (b Batch) Encoded() []byte {
	return encodePayload(b.JSON)
}

func encodePayload(data []byte) []byte {
	out := make([]byte, base64x.StdEncoding.EncodedLen(len(data)))
	base64x.StdEncoding.Encode(out, data)
	return out
}
