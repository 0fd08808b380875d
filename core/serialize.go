package core

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// ArgsHeader prefixes a packed runtime argument vector.
type ArgsHeader struct {
	Magic    uint32 // "TARG"
	Version  uint16
	Reserved uint16
	Count    uint32 // number of uint32 arguments
	Checksum uint32 // CRC32 over the argument words
}

const (
	ArgsMagic      = 0x47524154 // "TARG" in little endian
	ArgsVersion    = 1
	ArgsHeaderSize = 16 // sizeof(ArgsHeader)
)

// PackArgs encodes a runtime argument vector the way it is written into a
// core's argument mailbox: header followed by little-endian words.
func PackArgs(args []uint32) []byte {
	body := make([]byte, 4*len(args))
	for i, a := range args {
		binary.LittleEndian.PutUint32(body[i*4:], a)
	}

	header := ArgsHeader{
		Magic:    ArgsMagic,
		Version:  ArgsVersion,
		Count:    uint32(len(args)),
		Checksum: crc32.ChecksumIEEE(body),
	}

	buf := bytes.NewBuffer(make([]byte, 0, ArgsHeaderSize+len(body)))
	// Writes into a bytes.Buffer cannot fail.
	_ = binary.Write(buf, binary.LittleEndian, header)
	buf.Write(body)
	return buf.Bytes()
}

// UnpackArgs decodes and verifies a packed argument vector.
func UnpackArgs(data []byte) ([]uint32, error) {
	if len(data) < ArgsHeaderSize {
		return nil, errors.New("data too short for argument header")
	}

	var header ArgsHeader
	if err := binary.Read(bytes.NewReader(data[:ArgsHeaderSize]), binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	if header.Magic != ArgsMagic {
		return nil, errors.New("invalid argument magic")
	}
	if header.Version != ArgsVersion {
		return nil, errors.Errorf("unsupported argument version %d", header.Version)
	}

	body := data[ArgsHeaderSize:]
	if len(body) != int(header.Count)*4 {
		return nil, errors.Wrapf(ErrArgumentCountMismatch, "header says %d args, body holds %d bytes", header.Count, len(body))
	}
	if crc32.ChecksumIEEE(body) != header.Checksum {
		return nil, errors.New("argument data corruption detected")
	}

	args := make([]uint32, header.Count)
	for i := range args {
		args[i] = binary.LittleEndian.Uint32(body[i*4:])
	}
	return args, nil
}
