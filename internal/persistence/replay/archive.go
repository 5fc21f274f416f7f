package replay

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"lockstep.ai/internal/codec/binio"
	"lockstep.ai/internal/sim/command"
)

const (
	archiveMagic   = "LSRP"
	ArchiveVersion = 1
)

var ErrBadArchive = errors.New("replay: not a replay archive")

// Archive is one map's canonical log: commands in total order, written
// without any recipient's IssuedBySelf.
type Archive struct {
	Version  int32
	MapID    int32
	Commands []command.Command
}

func ArchivePath(dir string, mapID int32) string {
	return filepath.Join(dir, fmt.Sprintf("map_%d.lsrp.zst", mapID))
}

func WriteArchive(w io.Writer, mapID int32, cmds []command.Command) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 128*1024)

	head := binio.NewWriter(16)
	head.Write([]byte(archiveMagic))
	head.WriteInt32(ArchiveVersion)
	head.WriteInt32(mapID)
	head.WriteInt32(int32(len(cmds)))
	if _, err := bw.Write(head.Bytes()); err != nil {
		_ = enc.Close()
		return err
	}
	rec := binio.NewWriter(256)
	for _, c := range cmds {
		c.IssuedBySelf = false
		rec.Reset()
		rec.WriteInt32(0)
		command.AppendFrame(rec, c)
		b := rec.Bytes()
		binary.LittleEndian.PutUint32(b, uint32(len(b)-4))
		if _, err := bw.Write(b); err != nil {
			_ = enc.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func ReadArchive(r io.Reader) (Archive, error) {
	var a Archive
	dec, err := zstd.NewReader(r)
	if err != nil {
		return a, err
	}
	defer dec.Close()
	raw, err := io.ReadAll(dec)
	if err != nil {
		return a, err
	}
	if len(raw) < len(archiveMagic) || !bytes.Equal(raw[:len(archiveMagic)], []byte(archiveMagic)) {
		return a, ErrBadArchive
	}
	br := binio.NewReader(raw[len(archiveMagic):])
	if a.Version, err = br.ReadInt32(); err != nil {
		return a, fmt.Errorf("archive version: %w", err)
	}
	if a.Version != ArchiveVersion {
		return a, fmt.Errorf("%w: version %d", ErrBadArchive, a.Version)
	}
	if a.MapID, err = br.ReadInt32(); err != nil {
		return a, fmt.Errorf("archive map: %w", err)
	}
	count, err := br.ReadLen()
	if err != nil {
		return a, fmt.Errorf("archive count: %w", err)
	}
	a.Commands = make([]command.Command, 0, count)
	for i := 0; i < count; i++ {
		frame, err := br.ReadPrefixed()
		if err != nil {
			return a, fmt.Errorf("archive record %d: %w", i, err)
		}
		c, err := command.UnmarshalFrame(frame)
		if err != nil {
			return a, fmt.Errorf("archive record %d: %w", i, err)
		}
		a.Commands = append(a.Commands, c)
	}
	if br.Remaining() != 0 {
		return a, fmt.Errorf("%w: %d trailing bytes", ErrBadArchive, br.Remaining())
	}
	return a, nil
}

func ReadArchiveFile(path string) (Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return Archive{}, err
	}
	defer f.Close()
	return ReadArchive(f)
}

// WriteArchiveFile writes to a temp file and renames it into place.
func WriteArchiveFile(path string, mapID int32, cmds []command.Command) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := WriteArchive(f, mapID, cmds); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
