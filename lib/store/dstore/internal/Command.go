package internal

import (
	"encoding/binary"
	"fmt"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTSave   CommandType = iota // Store a single record.
	CommandTDelete                    // Delete a single record.
	CommandTCommit                    // Apply several writes atomically.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTSave:
		return "Save"
	case CommandTDelete:
		return "Delete"
	case CommandTCommit:
		return "Commit"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// Write is a single checked mutation.
type Write struct {
	Delete bool
	Key    string
	ETag   string
	Value  []byte
}

// Command represents a command to be executed by the state machine (a single entry in the raft log)
type Command struct {
	Type   CommandType
	Writes []Write
}

const flagDelete = 1

// SizeBytes returns the exact number of bytes needed to serialize this command
func (command *Command) SizeBytes() int {
	size := 1 + 4 // Type + count
	for _, w := range command.Writes {
		size += 1 + 4 + len(w.Key) + 4 + len(w.ETag) + 4 + len(w.Value)
	}
	return size
}

func putBytes(buf []byte, b []byte) int {
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)
	return 4 + len(b)
}

// Serialize serializes a command into a byte array (format see doc.go)
func (command *Command) Serialize() []byte {
	result := make([]byte, command.SizeBytes())
	result[0] = byte(command.Type)
	binary.BigEndian.PutUint32(result[1:5], uint32(len(command.Writes)))

	pos := 5
	for _, w := range command.Writes {
		if w.Delete {
			result[pos] = flagDelete
		}
		pos++
		pos += putBytes(result[pos:], []byte(w.Key))
		pos += putBytes(result[pos:], []byte(w.ETag))
		pos += putBytes(result[pos:], w.Value)
	}
	return result
}

func readBytes(data []byte, pos int, what string) ([]byte, int, error) {
	if len(data) < pos+4 {
		return nil, 0, fmt.Errorf("data too short for %s length", what)
	}
	n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if len(data) < pos+n {
		return nil, 0, fmt.Errorf("data too short for %s of length %d", what, n)
	}
	return data[pos : pos+n], pos + n, nil
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < 5 {
		return fmt.Errorf("data too short for command")
	}

	command.Type = CommandType(data[0])
	count := int(binary.BigEndian.Uint32(data[1:5]))
	command.Writes = make([]Write, 0, min(count, len(data)/13))

	pos := 5
	for i := 0; i < count; i++ {
		if len(data) < pos+1 {
			return fmt.Errorf("data too short for write %d", i)
		}
		w := Write{Delete: data[pos]&flagDelete != 0}
		pos++

		var b []byte
		var err error
		if b, pos, err = readBytes(data, pos, "key"); err != nil {
			return err
		}
		w.Key = string(b)
		if b, pos, err = readBytes(data, pos, "etag"); err != nil {
			return err
		}
		w.ETag = string(b)
		if b, pos, err = readBytes(data, pos, "value"); err != nil {
			return err
		}
		if len(b) > 0 {
			w.Value = append([]byte(nil), b...)
		}
		command.Writes = append(command.Writes, w)
	}

	if pos != len(data) {
		return fmt.Errorf("%d trailing bytes after command", len(data)-pos)
	}
	return nil
}
