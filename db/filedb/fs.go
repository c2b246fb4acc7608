package filedb

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/dekarrin/uniqdoc"
	"github.com/klauspost/compress/zstd"
	"github.com/natefinch/atomic"
)

// fs.go provides the file format and backend layer for persistence of a
// [Store]. The functions in this file are mostly called internally by methods
// of Store.
//
// A data file is a 4-byte header followed by the encoded inmem store. The last
// byte of the header says whether the rest is zstd-compressed.

var (
	magicPlain = []byte{'U', 'Q', 'D', 0x00}
	magicZstd  = []byte{'U', 'Q', 'D', 0x01}
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// encodeFile wraps the encoded store data in the data file format.
func encodeFile(data []byte, compress bool) []byte {
	if !compress {
		out := make([]byte, 0, len(magicPlain)+len(data))
		out = append(out, magicPlain...)
		return append(out, data...)
	}

	enc := getZstdEncoder()
	defer putZstdEncoder(enc)

	out := make([]byte, 0, len(magicZstd)+len(data)/2)
	out = append(out, magicZstd...)
	return enc.EncodeAll(data, out)
}

// decodeFile returns the encoded store data held in the contents of a data
// file.
func decodeFile(contents []byte) ([]byte, error) {
	if len(contents) < len(magicPlain) {
		return nil, uniqdoc.NewError("data file is truncated", uniqdoc.ErrDecodingFailure)
	}

	header, body := contents[:len(magicPlain)], contents[len(magicPlain):]
	switch {
	case bytes.Equal(header, magicPlain):
		return body, nil
	case bytes.Equal(header, magicZstd):
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)

		data, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, uniqdoc.NewError(fmt.Sprintf("decompress: %s", err), uniqdoc.ErrDecodingFailure)
		}
		return data, nil
	default:
		return nil, uniqdoc.NewError(fmt.Sprintf("unknown data file header %x", header), uniqdoc.ErrDecodingFailure)
	}
}

// writeDataFile atomically replaces file with the data file form of data. A
// reader of file sees either the old contents or the new ones, never a mix.
func writeDataFile(file string, data []byte, compress bool) error {
	if err := atomic.WriteFile(file, bytes.NewReader(encodeFile(data, compress))); err != nil {
		return fmt.Errorf("write data file: %w", err)
	}
	return nil
}

// readDataFile reads file and returns the encoded store data in it. If file
// does not exist, the returned error matches os.ErrNotExist.
func readDataFile(file string) ([]byte, error) {
	contents, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return decodeFile(contents)
}
