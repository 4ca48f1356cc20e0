// Package codec turns transport messages into bytes and back.
//
// Two formats are provided: Proto, the protobuf wire format written with
// protowire, and CBOR, canonical CBOR maps with integer keys. Either can be
// wrapped in LZ4 block compression. Decoders validate every gossip they
// produce and report bad input as ErrMalformed.
package codec
