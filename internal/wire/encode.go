// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
)

var crlf = []byte{'\r', '\n'}

// Encode serializes a Frame into its wire representation. Encoding is pure:
// it never touches the Store and always terminates (arrays may nest, but
// Frame values built by this package are always finite).
func Encode(f Frame) []byte {
	var buf bytes.Buffer
	writeFrame(&buf, f)
	return buf.Bytes()
}

// WriteFrame encodes f into a buffer and writes it to w in a single Write
// call.
func WriteFrame(w io.Writer, f Frame) error {
	var buf bytes.Buffer
	writeFrame(&buf, f)
	_, err := w.Write(buf.Bytes())
	return err
}

func writeFrame(buf *bytes.Buffer, f Frame) {
	switch f.Type {
	case Simple:
		buf.WriteByte('+')
		buf.WriteString(f.Str)
		buf.Write(crlf)
	case Bulk:
		buf.WriteByte('$')
		buf.WriteString(strconv.Itoa(len(f.Bulk)))
		buf.Write(crlf)
		buf.Write(f.Bulk)
		buf.Write(crlf)
	case Null:
		buf.WriteString("$-1")
		buf.Write(crlf)
	case Array:
		buf.WriteByte('*')
		buf.WriteString(strconv.Itoa(len(f.Items)))
		buf.Write(crlf)
		for _, item := range f.Items {
			writeFrame(buf, item)
		}
	}
}

// EncodedLen returns len(Encode(f)) without building the intermediate
// slice twice; used for replication offset accounting.
func EncodedLen(f Frame) int {
	return len(Encode(f))
}

// WriteBulkHeader writes a "$<length>\r\n" bulk-string header with no
// body and no trailing CRLF, for a caller that streams a self-delimited
// body directly afterward (the PSYNC snapshot transfer) instead of
// handing a []byte to NewBulk/WriteFrame.
func WriteBulkHeader(w io.Writer, length int) error {
	_, err := fmt.Fprintf(w, "$%d\r\n", length)
	return err
}
