package app

import (
	"bytes"
	"crypto/rand"

	"github.com/hashicorp/go-msgpack/codec"
)

// encode encodes the data into msgpack bytes.
func encode(data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &codec.MsgpackHandle{})
	if err := enc.Encode(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode decodes bytes into data, which must be a pointer.
func decode(s []byte, data interface{}) error {
	dec := codec.NewDecoder(bytes.NewReader(s), &codec.MsgpackHandle{})
	return dec.Decode(data)
}

// generate a transaction with s bytes
func generateTX(s int) []byte {
	tx := make([]byte, s)
	_, _ = rand.Read(tx)
	return tx
}
