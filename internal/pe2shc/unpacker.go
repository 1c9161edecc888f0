// Package pe2shc recognizes PE files converted with hasherezade's
// pe_to_shellcode. The result is still a valid PE, so there is nothing to
// strip; the package reports the stub architecture and embedded image size.
package pe2shc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"capextract/internal/common"
)

var ErrNotWrapped = errors.New("no pe_to_shellcode stub")

// stub is one redirector variant. sizeAt is where the builder patches the
// image size into the stub.
type stub struct {
	arch   common.CPUArch
	code   []byte
	sizeAt int
}

var stubs = []stub{
	{
		arch: common.MultiArch,
		code: []byte{
			0x4d, 0x5a, 0x45, 0x52, 0xe8, 0x0, 0x0, 0x0, 0x0,
			0x5b, 0x48, 0x83, 0xeb, 0x09, 0x53, 0x48, 0x81,
			0xc3,
			0xff, 0xff, 0xff, 0xff,
			0xff, 0xd3, 0xc3,
		},
		sizeAt: 18,
	},
	{
		arch: common.X86,
		code: []byte{
			0x4d, 0x5a, 0x45, 0x52, 0xe8, 0x0, 0x0, 0x0, 0x0,
			0x58, 0x83, 0xe8, 0x09, 0x50, 0x05,
			0xff, 0xff, 0xff, 0xff,
			0xff, 0xd0, 0xc3,
		},
		sizeAt: 15,
	},
	{
		arch: common.AMD64,
		code: []byte{
			0x4d, 0x5a, 0x45, 0x52, 0xe8, 0x0, 0x0, 0x0, 0x0,
			0x59, 0x48, 0x83, 0xe9, 0x09, 0x48,
			0x8b, 0xc1, 0x48, 0x05,
			0xff, 0xff, 0xff, 0xff,
			0xff, 0xd0, 0xc3,
		},
		sizeAt: 19,
	},
}

// bytes 9-13 tell the variants apart
const discriminator = 9

type Factory struct {
}

func (f *Factory) Build(content []byte) common.Unpacker {
	return New(content)
}

type Unpacker struct {
	content []byte
}

func New(content []byte) *Unpacker {
	return &Unpacker{content: content}
}

func (u *Unpacker) Name() string {
	return "Hasherezade pe_to_shellcode"
}

// Stub describes a recognized redirector.
type Stub struct {
	Arch      common.CPUArch
	ImageSize uint32
}

func (u *Unpacker) Stub() (Stub, error) {
	for _, s := range stubs {
		if len(u.content) < len(s.code) {
			continue
		}
		if !bytes.Equal(u.content[:discriminator], s.code[:discriminator]) {
			continue
		}
		if !bytes.Equal(u.content[discriminator:discriminator+5], s.code[discriminator:discriminator+5]) {
			continue
		}
		return Stub{
			Arch:      s.arch,
			ImageSize: binary.LittleEndian.Uint32(u.content[s.sizeAt:]),
		}, nil
	}
	return Stub{Arch: common.Unknown}, ErrNotWrapped
}

func (u *Unpacker) Identified() (string, error) {
	s, err := u.Stub()
	if err != nil {
		return "", fmt.Errorf("unable to identify architecture of shellcode: %w", err)
	}
	return fmt.Sprintf("[+] CPU Arch: %s\n[+] Image Size: %d\n", common.ArchToString(s.Arch), s.ImageSize), nil
}

func (u *Unpacker) CanUnpack() bool {
	_, err := u.Stub()
	return err == nil
}

func (u *Unpacker) UnpackToFile(_ context.Context, _ string) error {
	return fmt.Errorf("file does not need to be unpacked: even compiled to shellcode it is a valid PE")
}

// Decode reports the stub variant of a converted PE.
func Decode(content []byte) (map[string]any, error) {
	s, err := New(content).Stub()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"arch":       common.ArchToString(s.Arch),
		"image_size": s.ImageSize,
	}, nil
}
